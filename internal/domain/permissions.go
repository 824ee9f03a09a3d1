package domain

// Permission keys referenced by code. The startup bootstrap validates this
// catalog against the permissions table so a typo fails the whole process
// instead of a single request.
const (
	PermMembersRead   = "members.read"
	PermMembersManage = "members.manage"
	PermInvitesRead   = "invites.read"
	PermInvitesManage = "invites.manage"
	PermRolesRead     = "roles.read"
	PermRolesManage   = "roles.manage"
	PermTenantManage  = "tenant.manage"
	PermBillingManage = "billing.manage"
)

// PermissionCatalog enumerates every permission the service understands.
func PermissionCatalog() []Permission {
	return []Permission{
		{Key: PermMembersRead, Description: "List tenant members"},
		{Key: PermMembersManage, Description: "Suspend, restore, remove members and change roles", IsCritical: true},
		{Key: PermInvitesRead, Description: "List pending invites"},
		{Key: PermInvitesManage, Description: "Create, resend and cancel invites"},
		{Key: PermRolesRead, Description: "List roles and their grants"},
		{Key: PermRolesManage, Description: "Create and edit roles", IsCritical: true, RequiresMFA: true},
		{Key: PermTenantManage, Description: "Edit tenant settings", IsCritical: true, RequiresMFA: true},
		{Key: PermBillingManage, Description: "Change plan and licenses", IsCritical: true, RequiresMFA: true},
	}
}
