package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/metrics"
	"github.com/keelhq/keel/internal/ratelimit"
	"github.com/keelhq/keel/internal/ui"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	DB       Pinger
	Accounts accountStore
	Members  membershipSource
	Sessions auth.SessionResolver
	Forget   sessionForgetter
	Teams    teamService
	Keys     keyService
	Models   modelService
	Usage    usageReader
	Billing  balanceService

	KeyAuth     *auth.Service
	Completions http.Handler
	Limiter     *ratelimit.Limiter
	Metrics     *metrics.Metrics

	CookieName     string
	SecureCookie   bool
	AllowedOrigins []string
}

// teamParam scopes access checks to the team named in the route.
func teamParam(r *http.Request) string {
	return chi.URLParam(r, "teamID")
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	cookie := sessionCookie{name: deps.CookieName, secure: deps.SecureCookie, cache: deps.Forget}

	var decisions auth.DecisionRecorder
	var logins authRecorder
	if deps.Metrics != nil {
		decisions = deps.Metrics
		logins = deps.Metrics
	}
	guard := auth.NewGuard(decisions)

	r.Get("/health", healthHandler(deps.DB))
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Completions: API key auth, then per-key rate limiting.
	if deps.Completions != nil {
		r.Group(func(cr chi.Router) {
			cr.Use(httpMetrics(deps.Metrics, "completion"))
			cr.Use(auth.APIKeyMiddleware(deps.KeyAuth))
			if deps.Limiter != nil {
				var onReject []func()
				if deps.Metrics != nil {
					onReject = append(onReject, deps.Metrics.IncRateLimitRejection)
				}
				cr.Use(ratelimit.Middleware(deps.Limiter, onReject...))
			}
			cr.Post("/v1/chat/completions", deps.Completions.ServeHTTP)
			cr.With(validUUID("teamID")).Post("/api/{teamID}/v1/chat/completions", deps.Completions.ServeHTTP)
		})
	}

	if deps.Sessions == nil {
		return r
	}
	withSession := auth.SessionMiddleware(deps.Sessions, cookie.credential)

	authH := newAuthHandler(deps.Accounts, cookie, logins)
	teams := newTeamsHandler(deps.Teams, deps.Members, deps.Accounts, cookie)
	keys := newAPIKeysHandler(deps.Keys)
	models := newModelsHandler(deps.Models)
	usage := newUsageHandler(deps.Usage, deps.Billing)

	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(httpMetrics(deps.Metrics, "management"))
		ar.Use(withSession)

		// Public.
		ar.Post("/auth/login", authH.Login)
		ar.Post("/auth/register", authH.Register)
		ar.Post("/auth/logout", authH.Logout)

		ar.Group(func(sr chi.Router) {
			sr.Use(auth.RequireSession)

			sr.Get("/me", authH.Me)
			sr.Get("/me/role", authH.Role)
			sr.Get("/balance", usage.Balance)
			sr.Post("/invitations/accept", teams.AcceptInvitation)

			sr.Get("/teams", teams.ListTeams)
			sr.Post("/teams", teams.CreateTeam)

			sr.Route("/teams/{teamID}", func(tr chi.Router) {
				tr.Use(validUUID("teamID"))
				tr.Use(requireTeamMember)
				require := func(res access.Resource, act access.Action) func(http.Handler) http.Handler {
					return guard.Require(res, act, teamParam)
				}

				tr.With(require(access.ResourceTeam, access.ActionRead)).Get("/", teams.GetTeam)
				tr.With(require(access.ResourceTeam, access.ActionUpdate)).Put("/", teams.UpdateTeam)
				tr.With(require(access.ResourceTeam, access.ActionDelete)).Delete("/", teams.DeleteTeam)
				tr.With(require(access.ResourceTeam, access.ActionLeave)).Post("/leave", teams.Leave)
				tr.Get("/permissions", teams.Permissions)

				tr.With(require(access.ResourceTeam, access.ActionRead)).Get("/usage", usage.Summary)
				tr.With(require(access.ResourceTeam, access.ActionRead)).Get("/usage/records", usage.Records)

				tr.With(require(access.ResourceTeamMember, access.ActionRead)).Get("/members", teams.ListMembers)
				tr.With(require(access.ResourceTeamMember, access.ActionCreate)).Post("/members", teams.AddMember)
				tr.With(require(access.ResourceTeamMember, access.ActionUpdate), validUUID("userID")).Put("/members/{userID}", teams.UpdateMember)
				tr.With(require(access.ResourceTeamMember, access.ActionDelete), validUUID("userID")).Delete("/members/{userID}", teams.RemoveMember)

				tr.With(require(access.ResourceTeamInvitation, access.ActionRead)).Get("/invitations", teams.ListInvitations)
				tr.With(require(access.ResourceTeamInvitation, access.ActionCreate)).Post("/invitations", teams.Invite)
				tr.With(require(access.ResourceTeamInvitation, access.ActionDelete), validUUID("invitationID")).Delete("/invitations/{invitationID}", teams.DeleteInvitation)

				tr.With(require(access.ResourceTeamAPIKey, access.ActionRead)).Get("/api-keys", keys.List)
				tr.With(require(access.ResourceTeamAPIKey, access.ActionCreate)).Post("/api-keys", keys.Create)
				tr.With(require(access.ResourceTeamAPIKey, access.ActionDelete), validUUID("keyID")).Delete("/api-keys/{keyID}", keys.Delete)
				tr.With(require(access.ResourceTeamAPIKey, access.ActionRead), validUUID("keyID")).Get("/api-keys/{keyID}/decrypt", keys.Decrypt)
			})

			// Model management is a system role grant; no team scope.
			sr.Route("/models", func(mr chi.Router) {
				mr.With(guard.Require(access.ResourceModelManagement, access.ActionRead, nil)).Get("/", models.ListModels)
				mr.With(guard.Require(access.ResourceModelManagement, access.ActionCreate, nil)).Post("/", models.CreateModel)
				mr.With(guard.Require(access.ResourceModelManagement, access.ActionRead, nil), validUUID("id")).Get("/{id}", models.GetModel)
				mr.With(guard.Require(access.ResourceModelManagement, access.ActionUpdate, nil), validUUID("id")).Put("/{id}", models.UpdateModel)
				mr.With(guard.Require(access.ResourceModelManagement, access.ActionDelete, nil), validUUID("id")).Delete("/{id}", models.DeleteModel)
			})

			sr.Route("/admin", func(adm chi.Router) {
				adm.With(guard.Require(access.ResourceTeamPayments, access.ActionCreate, nil)).Post("/purchases", usage.RecordPurchase)
				if deps.Metrics != nil {
					adm.With(guard.Require(access.ResourceModelManagement, access.ActionRead, nil)).Get("/metrics", deps.Metrics.Handler())
				}
			})
		})
	})

	// Pages.
	r.Group(func(pr chi.Router) {
		pr.Use(withSession)
		page := ui.Handler()
		pageScope := func(r *http.Request) string { return chi.URLParam(r, "teamID") }

		pr.Get("/", page.ServeHTTP)
		pr.Get("/auth/login", page.ServeHTTP)
		pr.With(ui.RequirePage("", "", nil)).Get("/dashboard", page.ServeHTTP)
		pr.With(ui.RequirePage(access.ResourceTeam, access.ActionRead, nil)).Get("/teams", page.ServeHTTP)
		pr.With(ui.RequirePage(access.ResourceTeam, access.ActionRead, pageScope)).Get("/teams/{teamID}", page.ServeHTTP)
		pr.With(ui.RequirePage(access.ResourceTeam, access.ActionRead, pageScope)).Get("/teams/{teamID}/*", page.ServeHTTP)
		pr.With(ui.RequirePage(access.ResourceModelManagement, access.ActionRead, nil)).Get("/model-management", page.ServeHTTP)
	})

	return r
}

// validUUID rejects requests whose URL parameter is not a UUID.
func validUUID(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := uuid.Parse(chi.URLParam(r, param)); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_id", param+" must be a valid UUID")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireTeamMember rejects callers who do not belong to the routed team.
// System admins pass.
func requireTeamMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := sessionUser(r)
		if u.SystemRole != access.RoleSysadmin && u.RoleIn(teamParam(r)) == "" {
			writeError(w, http.StatusForbidden, "forbidden", "you are not a member of this team")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
