package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/keelhq/keel/internal/access"
)

type contextKey int

const (
	principalContextKey contextKey = iota
	sessionContextKey
)

// ContextWithPrincipal returns a new context carrying the API key principal.
func ContextWithPrincipal(ctx context.Context, p *KeyPrincipal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the API key principal, or nil if not present.
func PrincipalFromContext(ctx context.Context) *KeyPrincipal {
	p, _ := ctx.Value(principalContextKey).(*KeyPrincipal)
	return p
}

// ContextWithSession returns a new context carrying the session.
func ContextWithSession(ctx context.Context, s *access.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, s)
}

// SessionFromContext extracts the session, or nil if not present.
func SessionFromContext(ctx context.Context) *access.Session {
	s, _ := ctx.Value(sessionContextKey).(*access.Session)
	return s
}

// SessionResolver resolves a credential to a session; nil means anonymous.
type SessionResolver interface {
	Resolve(ctx context.Context, credential string) (*access.Session, error)
}

// CredentialFunc extracts the session credential from a request.
type CredentialFunc func(r *http.Request) string

// DecisionRecorder counts access decisions.
type DecisionRecorder interface {
	RecordAccessDecision(resource, action string, allowed bool, status int)
}

// APIKeyMiddleware returns middleware that authenticates requests using an
// API key in the Authorization header. On success the key's principal is
// injected into the request context.
func APIKeyMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed authorization header")
				return
			}

			p, err := svc.Authenticate(r.Context(), token)
			if err != nil || p == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
				return
			}

			ctx := ContextWithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionMiddleware resolves the request's session, if any, and stores it in
// the context. Anonymous requests pass through; guards decide.
func SessionMiddleware(resolver SessionResolver, credential CredentialFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := resolver.Resolve(r.Context(), credential(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve session")
				return
			}
			if s != nil {
				r = r.WithContext(ContextWithSession(r.Context(), s))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSession rejects requests without a resolved session.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFromContext(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized - No session found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Guard evaluates access for each request and records the decision.
type Guard struct {
	metrics DecisionRecorder
}

// NewGuard creates a Guard. metrics may be nil.
func NewGuard(metrics DecisionRecorder) *Guard {
	return &Guard{metrics: metrics}
}

// Require returns middleware admitting requests whose session may perform
// action on resource. scope, when non-nil, yields the team the request
// targets.
func (g *Guard) Require(resource access.Resource, action access.Action, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			teamScope := ""
			if scope != nil {
				teamScope = scope(r)
			}
			res := access.Evaluate(SessionFromContext(r.Context()), resource, action, teamScope)
			if g.metrics != nil {
				g.metrics.RecordAccessDecision(string(resource), string(action), res.Allowed, res.Status)
			}
			if !res.Allowed {
				writeError(w, res.Status, codeForStatus(res.Status), res.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "internal_error"
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    code,
			Message: message,
		},
	})
}
