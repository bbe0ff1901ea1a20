package api

import (
	"context"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/session"
	"github.com/keelhq/keel/internal/user"
)

const minPasswordLength = 8

// accountStore is the subset of user.Store used for login and sign-up.
type accountStore interface {
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	CreateSession(ctx context.Context, userID string) (string, *user.Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// sessionForgetter evicts a credential from the session cache.
type sessionForgetter interface {
	Forget(ctx context.Context, credential string)
}

// authRecorder counts login outcomes.
type authRecorder interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// sessionCookie reads, writes and invalidates the login credential.
type sessionCookie struct {
	name   string
	secure bool
	cache  sessionForgetter
}

func (c sessionCookie) credential(r *http.Request) string {
	return session.Credential(r, c.name)
}

// refresh drops the caller's cached session so membership changes are
// visible on the next request.
func (c sessionCookie) refresh(r *http.Request) {
	if c.cache != nil {
		c.cache.Forget(r.Context(), c.credential(r))
	}
}

func (c sessionCookie) set(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c sessionCookie) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	store   accountStore
	cookie  sessionCookie
	metrics authRecorder
}

func newAuthHandler(store accountStore, cookie sessionCookie, metrics authRecorder) *authHandler {
	return &authHandler{store: store, cookie: cookie, metrics: metrics}
}

func (h *authHandler) record(ok bool) {
	if h.metrics == nil {
		return
	}
	if ok {
		h.metrics.IncAuthSuccess("session")
	} else {
		h.metrics.IncAuthFailure("session")
	}
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	u, err := h.store.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if !user.IsNotFound(err) {
			writeServiceError(w, r, err, "user")
			return
		}
		h.record(false)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if !user.CheckPassword(u, req.Password) {
		h.record(false)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	h.startSession(w, r, u, http.StatusOK)
}

// Register handles POST /api/v1/auth/register.
func (h *authHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != strings.TrimSpace(req.Email) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is invalid")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "password must be at least 8 characters")
		return
	}

	u, err := h.store.Create(r.Context(), user.CreateUserInput{
		Email:    addr.Address,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		writeServiceError(w, r, err, "user")
		return
	}
	auditLog(r, "create", "user", u.ID, "email", u.Email)

	h.startSession(w, r, u, http.StatusCreated)
}

func (h *authHandler) startSession(w http.ResponseWriter, r *http.Request, u *user.User, status int) {
	token, sess, err := h.store.CreateSession(r.Context(), u.ID)
	if err != nil {
		writeServiceError(w, r, err, "session")
		return
	}
	h.record(true)
	h.cookie.set(w, token, sess.ExpiresAt)

	writeJSON(w, status, map[string]any{
		"token":   token,
		"expires": sess.ExpiresAt,
		"user": map[string]any{
			"id":    u.ID,
			"email": u.Email,
			"name":  u.Name,
		},
	})
}

// Logout handles POST /api/v1/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := h.cookie.credential(r)
	h.cookie.clear(w)
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.store.DeleteSession(r.Context(), token); err != nil {
		writeServiceError(w, r, err, "session")
		return
	}
	h.cookie.refresh(r)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	s := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    s.User,
		"role":    access.UserRole(s.User),
		"expires": s.Expires,
	})
}

// Role handles GET /api/v1/me/role.
func (h *authHandler) Role(w http.ResponseWriter, r *http.Request) {
	s := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"role": access.UserRole(s.User)})
}
