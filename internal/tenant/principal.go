package tenant

import "strings"

// Role is the platform role carried by every authenticated principal.
type Role string

const (
	RoleMaster         Role = "master"
	RoleProjectAdmin   Role = "projectadmin"
	RoleContractorUser Role = "contractoruser"
	RoleEPCUser        Role = "epcuser"
	RoleClientUser     Role = "clientuser"
	RoleSuperAdmin     Role = "superadmin"
)

// Grade modifies a role to determine authority. A is the strongest.
type Grade string

const (
	GradeA    Grade = "A"
	GradeB    Grade = "B"
	GradeC    Grade = "C"
	GradeNone Grade = ""
)

// ParseRole normalises a raw role string. Unknown roles come back empty.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleMaster:
		return RoleMaster
	case RoleProjectAdmin:
		return RoleProjectAdmin
	case RoleContractorUser:
		return RoleContractorUser
	case RoleEPCUser:
		return RoleEPCUser
	case RoleClientUser:
		return RoleClientUser
	case RoleSuperAdmin:
		return RoleSuperAdmin
	default:
		return ""
	}
}

// ParseGrade normalises a raw grade string. Anything but A/B/C is GradeNone.
func ParseGrade(raw string) Grade {
	switch Grade(strings.ToUpper(strings.TrimSpace(raw))) {
	case GradeA:
		return GradeA
	case GradeB:
		return GradeB
	case GradeC:
		return GradeC
	default:
		return GradeNone
	}
}

// Principal is the authenticated actor attached to every inbound operation.
type Principal struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	Role      Role   `json:"role"`
	Grade     Grade  `json:"grade,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// IsMaster reports whether the principal may operate across tenants.
func (p Principal) IsMaster() bool {
	return p.Role == RoleMaster || p.Role == RoleSuperAdmin
}

// Scope is the effective tenant filter applied to every store query.
type Scope struct {
	TenantID    string
	ProjectID   string
	CrossTenant bool
}

// Scope derives the store scope for the principal. Master principals get a
// cross-tenant scope unless an explicit tenant override was applied.
func (p Principal) Scope() Scope {
	if p.IsMaster() && p.TenantID == "" {
		return Scope{CrossTenant: true}
	}
	return Scope{TenantID: p.TenantID, ProjectID: p.ProjectID}
}

// Allows reports whether a row belonging to (tenantID, projectID) is visible
// under the scope. Project scoping only applies when the scope carries one.
func (s Scope) Allows(tenantID, projectID string) bool {
	if s.CrossTenant {
		return true
	}
	if s.TenantID != tenantID {
		return false
	}
	if s.ProjectID != "" && projectID != "" && s.ProjectID != projectID {
		return false
	}
	return true
}
