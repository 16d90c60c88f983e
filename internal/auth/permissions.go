package auth

const (
	PermBookingsView   = "bookings:view"
	PermBookingsCreate = "bookings:create"
	PermBookingsEdit   = "bookings:edit"
	PermBookingsDelete = "bookings:delete"
	PermBookingsRefund = "bookings:refund"

	PermPropertiesView   = "properties:view"
	PermPropertiesEdit   = "properties:edit"
	PermPropertiesDelete = "properties:delete"

	PermPaymentsView    = "payments:view"
	PermPaymentsCapture = "payments:capture"
	PermPaymentsRefund  = "payments:refund"

	PermUsersView        = "users:view"
	PermUsersEdit        = "users:edit"
	PermUsersImpersonate = "users:impersonate"

	PermTeamView        = "team:view"
	PermTeamManageRoles = "team:manage_roles"
	PermTeamManage      = "team:manage_members"

	PermAuditView   = "audit:view"
	PermAuditExport = "audit:export"

	PermSettingsEdit = "settings:edit"
	PermChatView     = "chat:view"
	PermChatSend     = "chat:send"
	PermCalendarSync = "calendar:sync"
)

// BuiltinPermissions is the catalog shipped with the booking application.
var BuiltinPermissions = []Permission{
	{Key: PermBookingsView, Description: "View bookings", RiskLevel: RiskLow, ResourceScope: []string{"bookings"}, TemporaryGrantAllowed: true},
	{Key: PermBookingsCreate, Description: "Create bookings", RiskLevel: RiskMedium, ResourceScope: []string{"bookings"}, Dependencies: []string{PermBookingsView}, TemporaryGrantAllowed: true},
	{Key: PermBookingsEdit, Description: "Edit bookings", RiskLevel: RiskMedium, ResourceScope: []string{"bookings"}, Dependencies: []string{PermBookingsView}, TemporaryGrantAllowed: true},
	{Key: PermBookingsDelete, Description: "Cancel and delete bookings", RiskLevel: RiskHigh, ResourceScope: []string{"bookings"}, Dependencies: []string{PermBookingsView}, Conflicts: []string{PermUsersImpersonate}, AuditRequired: true},
	{Key: PermBookingsRefund, Description: "Refund a booking", RiskLevel: RiskCritical, ResourceScope: []string{"bookings", "payments"}, Dependencies: []string{PermBookingsView}, AuditRequired: true},

	{Key: PermPropertiesView, Description: "View properties", RiskLevel: RiskLow, ResourceScope: []string{"properties"}, TemporaryGrantAllowed: true},
	{Key: PermPropertiesEdit, Description: "Edit property content and pricing", RiskLevel: RiskMedium, ResourceScope: []string{"properties"}, Dependencies: []string{PermPropertiesView}},
	{Key: PermPropertiesDelete, Description: "Delete properties", RiskLevel: RiskHigh, ResourceScope: []string{"properties"}, Dependencies: []string{PermPropertiesView}, AuditRequired: true},

	{Key: PermPaymentsView, Description: "View payments", RiskLevel: RiskMedium, ResourceScope: []string{"payments"}},
	{Key: PermPaymentsCapture, Description: "Capture payments", RiskLevel: RiskHigh, ResourceScope: []string{"payments"}, Dependencies: []string{PermPaymentsView}, AuditRequired: true},
	{Key: PermPaymentsRefund, Description: "Refund payments", RiskLevel: RiskCritical, ResourceScope: []string{"payments"}, Dependencies: []string{PermPaymentsView}, AuditRequired: true},

	{Key: PermUsersView, Description: "View guest accounts", RiskLevel: RiskLow, ResourceScope: []string{"users"}, TemporaryGrantAllowed: true},
	{Key: PermUsersEdit, Description: "Edit guest accounts", RiskLevel: RiskMedium, ResourceScope: []string{"users"}, Dependencies: []string{PermUsersView}},
	{Key: PermUsersImpersonate, Description: "Act as a guest", RiskLevel: RiskCritical, ResourceScope: []string{"users"}, Dependencies: []string{PermUsersView}, Conflicts: []string{PermBookingsDelete}, AuditRequired: true},

	{Key: PermTeamView, Description: "View team members", RiskLevel: RiskLow, ResourceScope: []string{"team"}},
	{Key: PermTeamManageRoles, Description: "Create and edit roles", RiskLevel: RiskCritical, ResourceScope: []string{"team"}, Dependencies: []string{PermTeamView}, AuditRequired: true},
	{Key: PermTeamManage, Description: "Add, edit and deactivate team members", RiskLevel: RiskHigh, ResourceScope: []string{"team"}, Dependencies: []string{PermTeamView}, AuditRequired: true},

	{Key: PermAuditView, Description: "Read the audit log", RiskLevel: RiskMedium, ResourceScope: []string{"audit"}},
	{Key: PermAuditExport, Description: "Export the audit log", RiskLevel: RiskHigh, ResourceScope: []string{"audit"}, Dependencies: []string{PermAuditView}, AuditRequired: true},

	{Key: PermSettingsEdit, Description: "Edit account settings", RiskLevel: RiskHigh, ResourceScope: []string{"settings"}, AuditRequired: true},
	{Key: PermChatView, Description: "Read guest conversations", RiskLevel: RiskLow, ResourceScope: []string{"chat"}, TemporaryGrantAllowed: true},
	{Key: PermChatSend, Description: "Reply to guests", RiskLevel: RiskLow, ResourceScope: []string{"chat"}, Dependencies: []string{PermChatView}, TemporaryGrantAllowed: true},
	{Key: PermCalendarSync, Description: "Manage calendar feeds", RiskLevel: RiskMedium, ResourceScope: []string{"calendar", "properties"}},
}

// BuiltinCatalog returns the validated built-in catalog.
func BuiltinCatalog() *Catalog {
	c, err := NewCatalog(BuiltinPermissions)
	if err != nil {
		panic("auth: builtin catalog invalid: " + err.Error())
	}
	return c
}
