package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keelhq/keel/internal/access"
	"github.com/keelhq/keel/internal/apikey"
	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/billing"
	"github.com/keelhq/keel/internal/metering"
	"github.com/keelhq/keel/internal/ratelimit"
	"github.com/keelhq/keel/internal/registry"
	"github.com/keelhq/keel/internal/team"
	"github.com/keelhq/keel/internal/user"
)

const (
	teamA   = "6f1c2c1e-4b7a-4d7e-9a43-0c6a1f0e1a01"
	teamB   = "6f1c2c1e-4b7a-4d7e-9a43-0c6a1f0e1a02"
	modelID = "0d9a8f64-3c5b-4e55-8f2a-51b1c2d3e4f5"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeAccounts struct {
	users    map[string]*user.User
	deleted  []string
	created  []user.CreateUserInput
	failNext error
}

func newFakeAccounts(t *testing.T) *fakeAccounts {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeAccounts{users: map[string]*user.User{
		"ada@example.com": {ID: "u-ada", Email: "ada@example.com", Name: "Ada", PasswordHash: string(hash)},
	}}
}

func (f *fakeAccounts) Create(_ context.Context, in user.CreateUserInput) (*user.User, error) {
	if _, ok := f.users[in.Email]; ok {
		return nil, user.ErrEmailTaken
	}
	f.created = append(f.created, in)
	u := &user.User{ID: "u-" + in.Name, Email: in.Email, Name: in.Name}
	f.users[in.Email] = u
	return u, nil
}

func (f *fakeAccounts) GetByEmail(_ context.Context, email string) (*user.User, error) {
	if f.failNext != nil {
		return nil, f.failNext
	}
	u, ok := f.users[email]
	if !ok {
		return nil, fmt.Errorf("getting user by email: %w", pgx.ErrNoRows)
	}
	return u, nil
}

func (f *fakeAccounts) CreateSession(_ context.Context, userID string) (string, *user.Session, error) {
	return "tok-" + userID, &user.Session{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAccounts) DeleteSession(_ context.Context, token string) error {
	f.deleted = append(f.deleted, token)
	return nil
}

type fakeMembers struct {
	byUser map[string][]user.Membership
}

func (f *fakeMembers) Memberships(_ context.Context, userID string) ([]user.Membership, error) {
	return f.byUser[userID], nil
}

type fakeSessions struct {
	byToken   map[string]*access.Session
	forgotten []string
}

func (f *fakeSessions) Resolve(_ context.Context, credential string) (*access.Session, error) {
	return f.byToken[credential], nil
}

func (f *fakeSessions) Forget(_ context.Context, credential string) {
	f.forgotten = append(f.forgotten, credential)
}

// fakeTeams implements only what the tests call; anything else panics.
type fakeTeams struct {
	teamService
	created  []team.CreateTeamInput
	deleted  []string
	accepted []string
}

func (f *fakeTeams) Create(_ context.Context, in team.CreateTeamInput, ownerID string) (*team.Team, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, team.ErrNameRequired
	}
	f.created = append(f.created, in)
	return &team.Team{ID: teamB, TenantID: in.TenantID, Name: in.Name, Slug: "acme"}, nil
}

func (f *fakeTeams) Get(_ context.Context, id string) (*team.Team, error) {
	return &team.Team{ID: id, TenantID: "tenant-1", Name: "Acme"}, nil
}

func (f *fakeTeams) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTeams) Accept(_ context.Context, token, userID, email string) (*team.Invitation, error) {
	if token == "stale" {
		return nil, team.ErrInvitationExpired
	}
	f.accepted = append(f.accepted, userID)
	return &team.Invitation{ID: "inv-1", TeamID: teamA, Role: access.RoleMember}, nil
}

// fakeKeys holds one recoverable key per team, created by u-owner.
type fakeKeys struct {
	keyService
}

func (fakeKeys) Reveal(_ context.Context, teamID, id, userID string) (string, error) {
	if userID != "u-owner" {
		return "", apikey.ErrNotKeyOwner
	}
	return "keel_secret_of_" + teamID, nil
}

type fakeModels struct {
	modelService
}

func (f *fakeModels) GetByID(_ context.Context, id string) (*registry.Model, error) {
	if id != modelID {
		return nil, fmt.Errorf("getting model: %w", pgx.ErrNoRows)
	}
	return &registry.Model{ID: modelID, Name: "GPT-4o mini", NameInClient: "gpt-4o-mini"}, nil
}

type fakeBilling struct {
	err error
}

func (f *fakeBilling) ComputeBalance(_ context.Context, tenantID, userID string) (*billing.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &billing.Balance{TenantID: "tenant-1", BalanceOfInput: 700, BalanceOfOutput: 400}, nil
}

func (f *fakeBilling) RecordPurchase(_ context.Context, in billing.PurchaseInput) (*billing.Purchase, error) {
	return &billing.Purchase{ID: "p1", TenantID: in.TenantID, InputTokens: in.InputTokens}, nil
}

// fakeUsage accepts only cursors it issued itself.
type fakeUsage struct{ usageReader }

func (fakeUsage) ListUsage(_ context.Context, q metering.UsageQuery) ([]*metering.Usage, string, error) {
	if q.Cursor != "" && q.Cursor != "page-2" {
		return nil, "", fmt.Errorf("%w: illegal base64 data", metering.ErrInvalidCursor)
	}
	return []*metering.Usage{{ID: "usage-1", TeamID: q.TeamID, UserID: q.UserID}}, "", nil
}

type fakeKeyLookup struct{}

func (fakeKeyLookup) GetByKeyHash(_ context.Context, hash string) (*auth.KeyPrincipal, error) {
	if hash == auth.HashKey("keel_valid") {
		return &auth.KeyPrincipal{KeyID: "key-1", UserID: "u-ada", TeamID: teamA}, nil
	}
	return nil, errors.New("not found")
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	accounts *fakeAccounts
	sessions *fakeSessions
	members  *fakeMembers
	teams    *fakeTeams
	billing  *fakeBilling
	handler  http.Handler
}

func sessionFor(id string, system access.Role, roles ...access.TeamRole) *access.Session {
	return &access.Session{User: &access.User{ID: id, Email: id + "@example.com", SystemRole: system, Roles: roles}}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		accounts: newFakeAccounts(t),
		sessions: &fakeSessions{byToken: map[string]*access.Session{
			"owner":  sessionFor("u-owner", "", access.TeamRole{TeamID: teamA, Role: access.RoleOwner}),
			"member": sessionFor("u-member", "", access.TeamRole{TeamID: teamA, Role: access.RoleMember}),
			"root":   sessionFor("u-root", access.RoleSysadmin),
		}},
		members: &fakeMembers{byUser: map[string][]user.Membership{
			"u-owner": {{TeamID: teamA, TenantID: "tenant-1", Role: access.RoleOwner}},
		}},
		teams:   &fakeTeams{},
		billing: &fakeBilling{},
	}

	limiter := ratelimit.New(2, time.Minute)
	completions := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFromContext(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{"key": p.KeyID})
	})

	h.handler = NewRouter(RouterDeps{
		Accounts:       h.accounts,
		Members:        h.members,
		Sessions:       h.sessions,
		Forget:         h.sessions,
		Teams:          h.teams,
		Keys:           fakeKeys{},
		Usage:          fakeUsage{},
		Models:         &fakeModels{},
		Billing:        h.billing,
		KeyAuth:        auth.NewService(fakeKeyLookup{}),
		Completions:    completions,
		Limiter:        limiter,
		CookieName:     "keel.session-token",
		AllowedOrigins: []string{"https://console.example.com"},
	})
	return h
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return env.Error
}

// ---------------------------------------------------------------------------
// Health, request ids, CORS
// ---------------------------------------------------------------------------

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
		wantDB     string
	}{
		{"no database", nil, http.StatusOK, ""},
		{"database up", fakePinger{}, http.StatusOK, "connected"},
		{"database down", fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(RouterDeps{DB: tt.db})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body["database"] != tt.wantDB {
				t.Errorf("expected database=%q, got %q", tt.wantDB, body["database"])
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	handler := NewRouter(RouterDeps{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if id := rec.Header().Get("X-Request-ID"); len(id) != 26 {
		t.Errorf("expected a generated 26-character ULID, got %q", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "  trace-123 ")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if id := rec.Header().Get("X-Request-ID"); id != "trace-123" {
		t.Errorf("expected propagated id trace-123, got %q", id)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/teams", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/teams", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q for a foreign origin", got)
	}
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestLogin(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid credentials", `{"email":"ada@example.com","password":"correct horse"}`, http.StatusOK},
		{"wrong password", `{"email":"ada@example.com","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"email":"bob@example.com","password":"correct horse"}`, http.StatusUnauthorized},
		{"missing fields", `{"email":"ada@example.com"}`, http.StatusUnprocessableEntity},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodPost, "/api/v1/auth/login", "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var cookie *http.Cookie
			for _, c := range rec.Result().Cookies() {
				if c.Name == "keel.session-token" {
					cookie = c
				}
			}
			if cookie == nil || cookie.Value != "tok-u-ada" || !cookie.HttpOnly {
				t.Fatalf("expected http-only session cookie, got %+v", cookie)
			}
			var body struct {
				Token string `json:"token"`
			}
			_ = json.NewDecoder(rec.Body).Decode(&body)
			if body.Token != "tok-u-ada" {
				t.Errorf("expected token in body, got %q", body.Token)
			}
		})
	}
}

func TestLogin_StoreFailure(t *testing.T) {
	h := newHarness(t)
	h.accounts.failNext = errors.New("db down")
	rec := h.do(http.MethodPost, "/api/v1/auth/login", "", `{"email":"ada@example.com","password":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"new account", `{"name":"Grace","email":"grace@example.com","password":"longenough"}`, http.StatusCreated},
		{"duplicate email", `{"name":"Ada","email":"ada@example.com","password":"longenough"}`, http.StatusConflict},
		{"short password", `{"name":"Grace","email":"grace@example.com","password":"short"}`, http.StatusUnprocessableEntity},
		{"bad email", `{"name":"Grace","email":"grace","password":"longenough"}`, http.StatusUnprocessableEntity},
		{"missing name", `{"email":"grace@example.com","password":"longenough"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodPost, "/api/v1/auth/register", "", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/api/v1/auth/logout", "owner", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(h.accounts.deleted) != 1 || h.accounts.deleted[0] != "owner" {
		t.Errorf("expected session owner deleted, got %v", h.accounts.deleted)
	}
	if len(h.sessions.forgotten) != 1 || h.sessions.forgotten[0] != "owner" {
		t.Errorf("expected cached session evicted, got %v", h.sessions.forgotten)
	}

	rec = h.do(http.MethodPost, "/api/v1/auth/logout", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("anonymous logout: expected 204, got %d", rec.Code)
	}
}

func TestMeAndRole(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/me", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}

	tests := []struct {
		token string
		want  access.Role
	}{
		{"owner", access.RoleOwner},
		{"member", access.RoleMember},
		{"root", access.RoleSysadmin},
	}
	for _, tt := range tests {
		rec := h.do(http.MethodGet, "/api/v1/me/role", tt.token, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.token, rec.Code)
		}
		var body map[string]access.Role
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if body["role"] != tt.want {
			t.Errorf("%s: expected role %s, got %s", tt.token, tt.want, body["role"])
		}
	}
}

// ---------------------------------------------------------------------------
// Teams and guards
// ---------------------------------------------------------------------------

func TestDeleteTeamGuard(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"owner deletes", "owner", "/api/v1/teams/" + teamA, http.StatusNoContent, ""},
		{"member forbidden", "member", "/api/v1/teams/" + teamA, http.StatusForbidden, "forbidden"},
		{"owner of another team", "owner", "/api/v1/teams/" + teamB, http.StatusForbidden, "forbidden"},
		{"anonymous", "", "/api/v1/teams/" + teamA, http.StatusUnauthorized, "unauthorized"},
		{"bad id", "owner", "/api/v1/teams/not-a-uuid", http.StatusBadRequest, "invalid_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodDelete, tt.path, tt.token, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantCode != "" {
				if got := decodeError(t, rec).Code; got != tt.wantCode {
					t.Errorf("expected code %q, got %q", tt.wantCode, got)
				}
				if len(h.teams.deleted) != 0 {
					t.Error("team must not be deleted on denial")
				}
			}
		})
	}
}

func TestTeamRoutesRequireMembership(t *testing.T) {
	keyID := "9b2e4c1d-7f3a-4e2b-8c5d-6a7b8c9d0e1f"
	tests := []struct {
		name       string
		token      string
		path       string
		wantStatus int
	}{
		{"member reads own team", "member", "/api/v1/teams/" + teamA, http.StatusOK},
		{"member reads foreign team", "member", "/api/v1/teams/" + teamB, http.StatusForbidden},
		{"member reads foreign usage", "member", "/api/v1/teams/" + teamB + "/usage", http.StatusForbidden},
		{"member lists foreign keys", "member", "/api/v1/teams/" + teamB + "/api-keys", http.StatusForbidden},
		{"member decrypts foreign key", "member", "/api/v1/teams/" + teamB + "/api-keys/" + keyID + "/decrypt", http.StatusForbidden},
		{"member decrypts teammate's key", "member", "/api/v1/teams/" + teamA + "/api-keys/" + keyID + "/decrypt", http.StatusForbidden},
		{"owner decrypts own key", "owner", "/api/v1/teams/" + teamA + "/api-keys/" + keyID + "/decrypt", http.StatusOK},
		{"sysadmin reads any team", "root", "/api/v1/teams/" + teamB, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodGet, tt.path, tt.token, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantStatus == http.StatusForbidden {
				if got := decodeError(t, rec).Code; got != "forbidden" {
					t.Errorf("expected code forbidden, got %q", got)
				}
			}
		})
	}
}

func TestUsageRecordsRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	base := "/api/v1/teams/" + teamA + "/usage/records"
	tests := []struct {
		name     string
		query    string
		wantCode int
		wantErr  string
	}{
		{"no filters", "", http.StatusOK, ""},
		{"issued cursor", "?cursor=page-2", http.StatusOK, ""},
		{"undecodable cursor", "?cursor=%25%25%25", http.StatusBadRequest, "invalid_cursor"},
		{"user filter", "?user_id=" + modelID, http.StatusOK, ""},
		{"user filter not a uuid", "?user_id=ada", http.StatusBadRequest, "invalid_params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodGet, base+tt.query, "owner", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := decodeError(t, rec); got.Code != tt.wantErr {
					t.Errorf("error code = %q, want %q", got.Code, tt.wantErr)
				}
			}
		})
	}
}

func TestCreateTeam(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/teams", "owner", `{"name":"Acme"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(h.teams.created) != 1 || h.teams.created[0].TenantID != "tenant-1" {
		t.Errorf("expected the new team in the caller's first tenant, got %+v", h.teams.created)
	}
	if len(h.sessions.forgotten) != 1 {
		t.Errorf("expected the caller's cached session to be refreshed")
	}

	// A user without teams starts a new tenant.
	rec = h.do(http.MethodPost, "/api/v1/teams", "member", `{"name":"Solo"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if h.teams.created[1].TenantID != "" {
		t.Errorf("expected empty tenant for a first team, got %q", h.teams.created[1].TenantID)
	}

	rec = h.do(http.MethodPost, "/api/v1/teams", "owner", `{"name":"  "}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a blank name, got %d", rec.Code)
	}
}

func TestPermissions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/teams/"+teamA+"/permissions", "member", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Role        access.Role    `json:"role"`
		Permissions []access.Grant `json:"permissions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Role != access.RoleMember || len(body.Permissions) != 2 {
		t.Errorf("unexpected member permissions %+v", body)
	}

	rec = h.do(http.MethodGet, "/api/v1/teams/"+teamB+"/permissions", "member", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 outside the team, got %d", rec.Code)
	}
}

func TestAcceptInvitation(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/invitations/accept", "member", `{"token":"good"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(h.teams.accepted) != 1 || h.teams.accepted[0] != "u-member" {
		t.Errorf("expected acceptance by u-member, got %v", h.teams.accepted)
	}

	rec = h.do(http.MethodPost, "/api/v1/invitations/accept", "member", `{"token":"stale"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an expired invitation, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "invitation_expired" {
		t.Errorf("unexpected code %q", got)
	}

	rec = h.do(http.MethodPost, "/api/v1/invitations/accept", "member", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a token, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Models, balance, purchases
// ---------------------------------------------------------------------------

func TestModelRoutes(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		path       string
		wantStatus int
	}{
		{"sysadmin reads model", "root", "/api/v1/models/" + modelID, http.StatusOK},
		{"owner is not a sysadmin", "owner", "/api/v1/models/" + modelID, http.StatusForbidden},
		{"bad id", "root", "/api/v1/models/42", http.StatusBadRequest},
		{"missing model", "root", "/api/v1/models/" + teamA, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodGet, tt.path, tt.token, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestBalance(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/balance", "owner", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bal map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&bal)
	if bal["balanceOfInput"] != float64(700) || bal["balanceOfOutput"] != float64(400) {
		t.Errorf("unexpected balance %v", bal)
	}

	h.billing.err = billing.ErrForbidden
	rec = h.do(http.MethodGet, "/api/v1/balance", "member", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestPurchasesRequireSysadmin(t *testing.T) {
	h := newHarness(t)
	body := `{"tenant_id":"tenant-1","input_tokens":1000,"output_tokens":0}`

	if rec := h.do(http.MethodPost, "/api/v1/admin/purchases", "owner", body); rec.Code != http.StatusForbidden {
		t.Fatalf("owner: expected 403, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/v1/admin/purchases", "root", body); rec.Code != http.StatusCreated {
		t.Fatalf("sysadmin: expected 201, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Completions and pages
// ---------------------------------------------------------------------------

func TestCompletionsAuthAndRateLimit(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(http.MethodPost, "/v1/chat/completions", "", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/chat/completions", "keel_wrong", `{}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", rec.Code)
	}

	for i, want := range []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests} {
		rec := h.do(http.MethodPost, "/api/"+teamA+"/v1/chat/completions", "keel_valid", `{}`)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i+1, want, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("request %d: missing rate limit headers", i+1)
		}
	}
}

func TestPagesRedirect(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		token    string
		path     string
		wantCode int
		wantLoc  string
	}{
		{"", "/dashboard", http.StatusFound, "/auth/login"},
		{"", "/auth/login", http.StatusOK, ""},
		{"member", "/dashboard", http.StatusOK, ""},
		{"member", "/model-management", http.StatusFound, "/"},
		{"root", "/teams/" + teamA, http.StatusFound, "/model-management"},
		{"member", "/teams/" + teamA + "/settings", http.StatusOK, ""},
	}
	for _, tt := range tests {
		rec := h.do(http.MethodGet, tt.path, tt.token, "")
		if rec.Code != tt.wantCode {
			t.Errorf("%s %s: expected %d, got %d", tt.token, tt.path, tt.wantCode, rec.Code)
			continue
		}
		if loc := rec.Header().Get("Location"); loc != tt.wantLoc {
			t.Errorf("%s %s: expected redirect %q, got %q", tt.token, tt.path, tt.wantLoc, loc)
		}
	}
}
