package auth

import "time"

// User is a subject identity. The core reads users through UserStore and
// never mutates them outside of password updates and last-login touches.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
	RoleName     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastLoginAt  *time.Time
}

// Role groups permission strings under a unique name. Authorization decisions
// use the role name snapshotted into the access token at issuance, not the
// live record.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasPermission reports whether the role's permission set contains key.
func (r *Role) HasPermission(key string) bool {
	for _, p := range r.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// Identity is the validated claim set returned by Authorize.
type Identity struct {
	Subject   string
	Role      string
	TokenID   string
	Family    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
