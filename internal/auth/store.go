package auth

import (
	"context"

	"gravityauth.org/internal/token"
)

// Store describes the persistence operations required by the auth core.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages principal records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	TouchLastLogin(ctx context.Context, userID string) error
}

// RoleStore resolves role names to permission sets.
type RoleStore interface {
	FindByName(ctx context.Context, name string) (*Role, error)
	Ensure(ctx context.Context, roles []Role) error
}

// RefreshTokenStore manages the durable refresh-token records.
// RevokeIfLatest is the conditional write that decides rotation races:
// it flips the revoked flag only if the record is still the live token of
// its family, and reports whether this caller won.
type RefreshTokenStore interface {
	token.RecordStore
	FindByHash(ctx context.Context, hash string) (*token.RefreshRecord, error)
	RevokeIfLatest(ctx context.Context, familyID, tokenID string) (bool, error)
	RevokeFamily(ctx context.Context, familyID string) error
}
