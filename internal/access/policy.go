// Package access decides whether a session may perform an action on a
// resource, using a static role policy table.
package access

// Role is a system-wide or team-scoped role.
type Role string

const (
	RoleSysadmin Role = "SYSADMIN"
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleMember   Role = "MEMBER"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSysadmin, RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// TeamRole reports whether r may be held inside a team.
func (r Role) TeamRole() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// rank orders team roles; higher is more privileged.
func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	}
	return 0
}

type Resource string

const (
	ResourceTeam            Resource = "team"
	ResourceTeamMember      Resource = "team_member"
	ResourceTeamInvitation  Resource = "team_invitation"
	ResourceTeamSSO         Resource = "team_sso"
	ResourceTeamDSync       Resource = "team_dsync"
	ResourceTeamAuditLog    Resource = "team_audit_log"
	ResourceTeamWebhook     Resource = "team_webhook"
	ResourceTeamPayments    Resource = "team_payments"
	ResourceTeamAPIKey      Resource = "team_api_key"
	ResourceModelManagement Resource = "model_management"
)

// Resources lists every known resource in declaration order.
var Resources = []Resource{
	ResourceTeam,
	ResourceTeamMember,
	ResourceTeamInvitation,
	ResourceTeamSSO,
	ResourceTeamDSync,
	ResourceTeamAuditLog,
	ResourceTeamWebhook,
	ResourceTeamPayments,
	ResourceTeamAPIKey,
	ResourceModelManagement,
}

func (r Resource) valid() bool {
	for _, known := range Resources {
		if r == known {
			return true
		}
	}
	return false
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRead   Action = "read"
	ActionDelete Action = "delete"
	ActionLeave  Action = "leave"
)

// Actions lists every known action.
var Actions = []Action{ActionCreate, ActionUpdate, ActionRead, ActionDelete, ActionLeave}

// Permission is one rule in a role's policy. A Permission with Wildcard set
// grants everything; otherwise it grants Actions on Resource, or every action
// on Resource when AllActions is set.
type Permission struct {
	Wildcard   bool
	Resource   Resource
	Actions    []Action
	AllActions bool
}

func (p Permission) allows(resource Resource, action Action) (matched, allowed bool) {
	if p.Wildcard {
		return true, true
	}
	if p.Resource != resource {
		return false, false
	}
	if p.AllActions {
		return true, true
	}
	for _, a := range p.Actions {
		if a == action {
			return true, true
		}
	}
	return true, false
}

func all(r Resource) Permission { return Permission{Resource: r, AllActions: true} }

func some(r Resource, actions ...Action) Permission {
	return Permission{Resource: r, Actions: actions}
}

// policy is the static role table. It is never mutated after init.
var policy = map[Role][]Permission{
	RoleSysadmin: {
		all(ResourceModelManagement),
	},
	RoleOwner: {
		all(ResourceTeam),
		all(ResourceTeamMember),
		all(ResourceTeamInvitation),
		all(ResourceTeamSSO),
		all(ResourceTeamDSync),
		all(ResourceTeamAuditLog),
		all(ResourceTeamWebhook),
		all(ResourceTeamPayments),
		all(ResourceTeamAPIKey),
	},
	RoleAdmin: {
		some(ResourceTeam, ActionRead, ActionLeave),
		all(ResourceTeamAPIKey),
	},
	RoleMember: {
		some(ResourceTeam, ActionRead, ActionLeave),
		all(ResourceTeamAPIKey),
	},
}

// HasPermission reports whether role grants action on resource. The first
// rule naming the resource decides; SYSADMIN is always granted.
func HasPermission(role Role, resource Resource, action Action) bool {
	rules, ok := policy[role]
	if !ok {
		return false
	}
	if role == RoleSysadmin {
		return true
	}
	for _, p := range rules {
		if matched, allowed := p.allows(resource, action); matched {
			return allowed
		}
	}
	return false
}

// Grant is a resource with the actions a role may perform on it.
type Grant struct {
	Resource Resource `json:"resource"`
	Actions  []Action `json:"actions"`
}

// Grants expands a role's rules into explicit (resource, actions) pairs.
func Grants(role Role) []Grant {
	var out []Grant
	for _, res := range Resources {
		var actions []Action
		for _, a := range Actions {
			if HasPermission(role, res, a) {
				actions = append(actions, a)
			}
		}
		if len(actions) > 0 {
			out = append(out, Grant{Resource: res, Actions: actions})
		}
	}
	return out
}
