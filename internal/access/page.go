package access

import "strings"

// Routes used by page-access decisions.
const (
	LoginPath           = "/auth/login"
	HomePath            = "/"
	AdminManagementPath = "/model-management"
)

// teamManagementPrefixes are pages a system admin is sent away from.
var teamManagementPrefixes = []string{"/teams"}

// PageDecision is the outcome of guarding a server-rendered page.
type PageDecision struct {
	Allowed    bool
	RedirectTo string
	Result     Result
}

// Page evaluates access for a page at path. Denials become redirects: to the
// login page without a session, otherwise to the home page. A SYSADMIN
// visiting a team management page is sent to the admin management page
// without evaluating. An empty resource only requires a session.
func Page(s *Session, path string, resource Resource, action Action, teamScope string) PageDecision {
	if s == nil || s.User == nil || s.User.ID == "" {
		return PageDecision{RedirectTo: LoginPath}
	}
	if s.User.SystemRole == RoleSysadmin && isTeamManagementPath(path) {
		return PageDecision{RedirectTo: AdminManagementPath}
	}
	if resource == "" {
		return PageDecision{Allowed: true}
	}

	res := Evaluate(s, resource, action, teamScope)
	if res.Allowed {
		return PageDecision{Allowed: true, Result: res}
	}
	if res.Status == 401 {
		return PageDecision{RedirectTo: LoginPath, Result: res}
	}
	return PageDecision{RedirectTo: HomePath, Result: res}
}

func isTeamManagementPath(path string) bool {
	for _, prefix := range teamManagementPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
