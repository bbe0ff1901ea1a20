// Package ui serves the console's HTML shell behind page-access checks.
package ui

import (
	"embed"
	"net/http"
	"os"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/auth"
)

//go:embed index.html
var content embed.FS

// Handler returns an http.Handler that serves the console shell.
// If KEEL_DEV=1 is set, it reads index.html from disk on each request
// for live reloading. Otherwise it serves the embedded copy.
func Handler() http.Handler {
	if os.Getenv("KEEL_DEV") == "1" {
		return devHandler()
	}
	return embeddedHandler()
}

func embeddedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := content.ReadFile("index.html")
		if err != nil {
			http.Error(w, "ui not found", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	})
}

func devHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile("internal/ui/index.html")
		if err != nil {
			http.Error(w, "ui not found: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})
}

// RequirePage guards a page. Denied requests are redirected: to the login
// page without a session, to the admin page for a system admin on a team
// page, and home otherwise. An empty resource only requires a session.
func RequirePage(resource access.Resource, action access.Action, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			teamScope := ""
			if scope != nil {
				teamScope = scope(r)
			}
			d := access.Page(auth.SessionFromContext(r.Context()), r.URL.Path, resource, action, teamScope)
			if !d.Allowed {
				http.Redirect(w, r, d.RedirectTo, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
