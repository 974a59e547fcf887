// Package access implements the vault's authorization decision table. The
// evaluator is a pure function: total over its inputs, deterministic, and
// free of I/O, so every decision can be replayed from its recorded facts.
package access

// Role is the closed set of principal roles. Role strings arriving from the
// identity source are matched exhaustively; anything else denies.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleHR       Role = "hr"
	RoleEmployee Role = "employee"
)

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleHR, RoleEmployee:
		return true
	}
	return false
}

// Action is the closed set of operations subject to access control.
type Action string

const (
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionDelete   Action = "delete"
	ActionList     Action = "list"
	ActionShare    Action = "share"
	// ActionManagePrincipals covers role and activation changes, reserved
	// for admins.
	ActionManagePrincipals Action = "manage_principals"
)

// Principal is an authenticated actor as supplied by the identity source.
// The vault trusts these claims as already verified.
type Principal struct {
	ID         string
	Role       Role
	EmployeeID string
	Email      string
	Active     bool
}

// Resource describes the document attributes the decision table consults.
type Resource struct {
	ID          string
	OwnerID     string
	EmployeeID  string
	SharingList []string
	Deleted     bool
}

// Deny reasons surfaced to callers and recorded on audit events.
const (
	ReasonInsufficientRole = "insufficient_role"
	ReasonNotOwnResource   = "not_own_resource"
	ReasonResourceDeleted  = "resource_deleted"
	ReasonInactive         = "principal_inactive"
)

// Facts captures the role and ownership inputs a decision considered, so
// denials can be audited with enough context for compliance review.
type Facts struct {
	Role         Role `json:"role"`
	IsOwner      bool `json:"is_owner"`
	IsSharedWith bool `json:"is_shared_with"`
	SameEmployee bool `json:"same_employee"`
	Deleted      bool `json:"resource_deleted"`
}

// Decision is the resolved access grant for one (principal, resource,
// action) triple.
type Decision struct {
	Allow  bool
	Reason string
	Facts  Facts
}

// Decide maps (principal, resource, action) to allow or deny. Rules are
// evaluated in priority order; the first match wins.
//
//  1. Inactive principals are denied everything.
//  2. Soft-deleted resources deny all content actions for every role.
//  3. admin: allow every action.
//  4. hr: allow upload/download/delete/list/share; deny admin-reserved.
//  5. Resource owner: allow download/share/delete on that resource.
//  6. Principal on the sharing list: allow download only.
//  7. employee whose employee id matches the resource: allow download/list.
//  8. Otherwise deny.
func Decide(p Principal, r Resource, action Action) Decision {
	facts := Facts{
		Role:         p.Role,
		IsOwner:      p.ID != "" && p.ID == r.OwnerID,
		IsSharedWith: contains(r.SharingList, p.ID),
		SameEmployee: p.EmployeeID != "" && p.EmployeeID == r.EmployeeID,
		Deleted:      r.Deleted,
	}
	deny := func(reason string) Decision {
		return Decision{Allow: false, Reason: reason, Facts: facts}
	}
	allow := func(reason string) Decision {
		return Decision{Allow: true, Reason: reason, Facts: facts}
	}

	if !p.Active {
		return deny(ReasonInactive)
	}

	// Soft delete is terminal: no principal reads or mutates a deleted
	// document through the normal path. Retrieval for audit goes through a
	// separate explicit lookup that bypasses the evaluator.
	if r.Deleted && actionTouchesResource(action) {
		return deny(ReasonResourceDeleted)
	}

	switch p.Role {
	case RoleAdmin:
		return allow("role_admin")
	case RoleHR:
		if action == ActionManagePrincipals {
			return deny(ReasonInsufficientRole)
		}
		return allow("role_hr")
	case RoleEmployee:
		// Fall through to ownership and sharing rules below.
	default:
		return deny(ReasonInsufficientRole)
	}

	if facts.IsOwner {
		switch action {
		case ActionDownload, ActionShare, ActionDelete:
			return allow("resource_owner")
		}
	}

	if facts.IsSharedWith && action == ActionDownload {
		return allow("shared_with_principal")
	}

	if facts.SameEmployee {
		switch action {
		case ActionDownload, ActionList:
			return allow("own_employee_record")
		}
	}

	// Employees never upload or delete; uploads are HR/admin-initiated on
	// an employee's behalf.
	switch action {
	case ActionUpload, ActionDelete, ActionShare, ActionManagePrincipals:
		return deny(ReasonInsufficientRole)
	}
	return deny(ReasonNotOwnResource)
}

// actionTouchesResource reports whether the action operates on a specific
// document, as opposed to collection-level listing.
func actionTouchesResource(action Action) bool {
	switch action {
	case ActionDownload, ActionShare, ActionDelete:
		return true
	}
	return false
}

func contains(list []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
