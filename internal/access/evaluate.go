package access

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// TeamRole is a user's role inside one team.
type TeamRole struct {
	TeamID string `json:"teamId"`
	Role   Role   `json:"role"`
}

// User is the identity carried by a resolved session.
type User struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	SystemRole Role       `json:"systemRole,omitempty"`
	Roles      []TeamRole `json:"roles"`
}

// Session is a resolved login session.
type Session struct {
	User    *User     `json:"user"`
	Expires time.Time `json:"expires"`
}

// EffectiveSystemRole returns the user's system role, MEMBER when unset.
func (u *User) EffectiveSystemRole() Role {
	if u.SystemRole == "" {
		return RoleMember
	}
	return u.SystemRole
}

// RoleIn returns the user's role in the team, or "" when not a member.
func (u *User) RoleIn(teamID string) Role {
	for _, tr := range u.Roles {
		if tr.TeamID == teamID {
			return tr.Role
		}
	}
	return ""
}

// Result is the outcome of a single access evaluation.
type Result struct {
	Allowed  bool     `json:"allowed"`
	Message  string   `json:"message"`
	Status   int      `json:"status"`
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
}

// Evaluate decides whether the session may perform action on resource. When
// teamScope is non-empty the user's role in that team is consulted after the
// system role. Evaluate never panics; internal faults yield status 500.
func Evaluate(s *Session, resource Resource, action Action, teamScope string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("access evaluation failed", "error", fmt.Sprint(r), "resource", resource, "action", action)
			res = Result{
				Allowed:  false,
				Message:  "Internal server error",
				Status:   http.StatusInternalServerError,
				Resource: resource,
				Action:   action,
			}
		}
	}()
	return evaluateCore(s, resource, action, teamScope)
}

// evaluateCore is swapped in tests to exercise the recovery path.
var evaluateCore = evaluate

func evaluate(s *Session, resource Resource, action Action, teamScope string) Result {
	deny := func(status int, msg string) Result {
		return Result{Allowed: false, Message: msg, Status: status, Resource: resource, Action: action}
	}

	if s == nil || s.User == nil || s.User.ID == "" {
		return deny(http.StatusUnauthorized, "Unauthorized - No session found")
	}
	systemRole := s.User.EffectiveSystemRole()
	if !systemRole.Valid() {
		return deny(http.StatusUnauthorized, "Unauthorized - Unknown system role")
	}

	if resource == "" {
		return deny(http.StatusBadRequest, "Bad Request - Resource is required")
	}
	if !resource.valid() {
		return deny(http.StatusBadRequest, fmt.Sprintf("Bad Request - Unknown resource %q", resource))
	}

	granted := Result{
		Allowed:  true,
		Message:  fmt.Sprintf("Access granted for %s on %s", action, resource),
		Status:   http.StatusOK,
		Resource: resource,
		Action:   action,
	}

	if HasPermission(systemRole, resource, action) {
		return granted
	}

	if teamScope != "" {
		if teamRole := s.User.RoleIn(teamScope); teamRole != "" && HasPermission(teamRole, resource, action) {
			return granted
		}
	}

	return deny(http.StatusForbidden,
		fmt.Sprintf("Forbidden - Missing required permissions for %s on %s", action, resource))
}

// UserRole returns the single role that best describes the user: SYSADMIN
// when set as the system role, otherwise the highest team role, otherwise
// OWNER for a user who has no team yet.
func UserRole(u *User) Role {
	if u == nil {
		return ""
	}
	if u.SystemRole == RoleSysadmin {
		return RoleSysadmin
	}
	if len(u.Roles) == 0 {
		return RoleOwner
	}
	best := u.Roles[0].Role
	for _, tr := range u.Roles[1:] {
		if tr.Role.rank() > best.rank() {
			best = tr.Role
		}
	}
	return best
}
