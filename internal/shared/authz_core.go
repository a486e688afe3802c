package shared

// Core platform permissions.
const (
	PermSessionsView        = "sessions:read"
	PermSessionsForceLogout = "sessions:force_logout"

	PermRolesView   = "roles:read"
	PermRolesEdit   = "roles:update"
	PermRolesCreate = "roles:create"
	PermRolesDelete = "roles:delete"

	PermPermissionsView   = "permissions:read"
	PermPermissionsAssign = "permissions:assign"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermSessionsView,
		PermSessionsForceLogout,
		PermRolesView,
		PermRolesEdit,
		PermRolesCreate,
		PermRolesDelete,
		PermPermissionsView,
		PermPermissionsAssign,
	}
}
