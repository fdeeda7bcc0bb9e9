package auth

// AdminRole implicitly satisfies every permission check.
const AdminRole = "admin"

// DefaultRole is assigned to newly registered users.
const DefaultRole = "user"

// Permission keys used by the built-in roles. The namespace is open-ended;
// role records may carry arbitrary permission strings.
const (
	PermReadSelf   = "read:self"
	PermWriteSelf  = "write:self"
	PermUsersRead  = "users:read"
	PermUsersWrite = "users:write"
)

// BuiltinRoles are ensured at startup so a fresh database can authenticate
// and authorize without manual role provisioning.
var BuiltinRoles = []Role{
	{
		Name:        AdminRole,
		Description: "Full access to all operations",
		Permissions: []string{PermReadSelf, PermWriteSelf, PermUsersRead, PermUsersWrite},
	},
	{
		Name:        DefaultRole,
		Description: "Standard user access",
		Permissions: []string{PermReadSelf, PermWriteSelf},
	},
}
