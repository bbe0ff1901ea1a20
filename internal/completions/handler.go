// Package completions serves the OpenAI-compatible chat completion endpoint:
// it authenticates API keys, enforces token ceilings, forwards to the model's
// provider and meters the result.
package completions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	openai "github.com/sashabaranov/go-openai"

	"github.com/keelhq/keel/internal/auth"
	"github.com/keelhq/keel/internal/metering"
	"github.com/keelhq/keel/internal/registry"
	"github.com/keelhq/keel/internal/user"
)

const defaultTemperature float32 = 0.7

// ModelLookup finds the model a client addressed by name.
type ModelLookup interface {
	Lookup(ctx context.Context, nameInClient string) (*registry.Model, error)
}

// MembershipSource lists a user's team memberships, oldest first.
type MembershipSource interface {
	Memberships(ctx context.Context, userID string) ([]user.Membership, error)
}

// LimitChecker enforces token ceilings before dispatch.
type LimitChecker interface {
	CheckLimits(ctx context.Context, userID, teamID string, estimate float64) (*metering.LimitExceeded, error)
}

// UsageRecorder meters a served completion. It never fails the request.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u metering.Usage)
}

// MetricsRecorder is an optional interface for upstream metrics.
type MetricsRecorder interface {
	IncUpstreamRequests(provider, model string, statusCode int)
	ObserveUpstreamDuration(provider, model string, seconds float64)
	IncUpstreamError(errorType, provider string)
}

// Handler proxies chat completions to the model's provider.
type Handler struct {
	models         ModelLookup
	members        MembershipSource
	limits         LimitChecker
	usage          UsageRecorder
	providerKey    func(provider string) string
	client         *http.Client
	timeout        time.Duration
	maxRequestSize int64
	metrics        MetricsRecorder
}

// NewHandler creates a completion handler. providerKey resolves the
// credential sent to a provider. timeout bounds a whole non-streamed call,
// but only the wait for response headers on a streamed one.
func NewHandler(models ModelLookup, members MembershipSource, limits LimitChecker, usage UsageRecorder,
	providerKey func(provider string) string, timeout time.Duration, maxRequestSize int64) *Handler {
	return &Handler{
		models:         models,
		members:        members,
		limits:         limits,
		usage:          usage,
		providerKey:    providerKey,
		client:         newUpstreamClient(timeout),
		timeout:        timeout,
		maxRequestSize: maxRequestSize,
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type limitError struct {
	Error     string         `json:"error"`
	Scope     metering.Scope `json:"scope"`
	Limit     int64          `json:"limit"`
	Used      int64          `json:"used"`
	Remaining int64          `json:"remaining"`
}

// ServeHTTP handles POST /v1/chat/completions and its team-scoped variant.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
		return
	}

	teamID, status, err := h.resolveTeam(r.Context(), principal, chi.URLParam(r, "teamID"))
	if err != nil {
		if status == http.StatusInternalServerError {
			slog.Error("resolving team for completion", "user_id", principal.UserID, "error", err)
			writeError(w, status, "internal_error", "internal server error")
			return
		}
		writeError(w, status, "forbidden", err.Error())
		return
	}

	var req chatRequest
	body := http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request payload")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request payload")
		return
	}

	contents := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		contents[i] = m.Content
	}
	estimate := metering.EstimateTokens(contents)

	exceeded, err := h.limits.CheckLimits(r.Context(), principal.UserID, teamID, estimate)
	if err != nil {
		slog.Error("checking token limits", "user_id", principal.UserID, "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if exceeded != nil {
		writeJSON(w, http.StatusTooManyRequests, limitError{
			Error:     exceeded.Message(),
			Scope:     exceeded.Scope,
			Limit:     exceeded.Limit,
			Used:      exceeded.Used,
			Remaining: exceeded.Remaining,
		})
		return
	}

	model, err := h.models.Lookup(r.Context(), req.Model)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusBadRequest, "invalid_model", "Invalid model")
			return
		}
		slog.Error("looking up model", "model", req.Model, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	upstreamReq := openai.ChatCompletionRequest{
		Model:       model.Name,
		Messages:    toOpenAI(req.Messages),
		Temperature: defaultTemperature,
		Stream:      req.Stream,
	}
	if req.Temperature != nil {
		upstreamReq.Temperature = *req.Temperature
	}

	base := metering.Usage{
		UserID:   principal.UserID,
		TeamID:   teamID,
		APIKeyID: principal.KeyID,
		Model:    model.NameInClient,
	}
	client := h.newClient(model)

	if req.Stream {
		h.stream(w, r, client, model, upstreamReq, base, estimate)
		return
	}
	h.complete(w, r, client, model, upstreamReq, base)
}

// resolveTeam picks the team a request is billed to: the route's team when
// given, else the key's team, else the user's first team.
func (h *Handler) resolveTeam(ctx context.Context, p *auth.KeyPrincipal, routeTeam string) (string, int, error) {
	memberships, err := h.members.Memberships(ctx, p.UserID)
	if err != nil {
		return "", http.StatusInternalServerError, err
	}
	if len(memberships) == 0 {
		return "", http.StatusForbidden, errors.New("user is not a member of any team")
	}
	isMember := func(teamID string) bool {
		for _, m := range memberships {
			if m.TeamID == teamID {
				return true
			}
		}
		return false
	}
	switch {
	case routeTeam != "":
		if !isMember(routeTeam) {
			return "", http.StatusForbidden, errors.New("user is not a member of this team")
		}
		return routeTeam, 0, nil
	case p.TeamID != "" && isMember(p.TeamID):
		return p.TeamID, 0, nil
	default:
		return memberships[0].TeamID, 0, nil
	}
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func (h *Handler) newClient(model *registry.Model) *openai.Client {
	cfg := openai.DefaultConfig(h.providerKey(model.Provider))
	cfg.BaseURL = strings.TrimRight(model.ProviderURL, "/")
	cfg.HTTPClient = h.client
	return openai.NewClientWithConfig(cfg)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request, client *openai.Client, model *registry.Model,
	req openai.ChatCompletionRequest, usage metering.Usage) {
	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, req)
	h.observe(model, start)
	if err != nil {
		h.upstreamFailure(w, model, err)
		return
	}
	h.countRequest(model, http.StatusOK)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		slog.Error("invalid response from AI provider", "provider", model.Provider, "model", model.Name, "id", resp.ID)
		writeError(w, http.StatusInternalServerError, "invalid_upstream_response", "Invalid response from AI provider")
		return
	}

	usage.InputTokens = int64(resp.Usage.PromptTokens)
	usage.OutputTokens = int64(resp.Usage.CompletionTokens)
	usage.Cost = model.Cost(usage.InputTokens, usage.OutputTokens)
	h.usage.RecordUsage(context.WithoutCancel(r.Context()), usage)

	writeJSON(w, http.StatusOK, resp)
}

// stream relays upstream chunks as server-sent events. Streamed chunks carry
// no usage, so tokens are estimated from the prompt and the relayed content.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, client *openai.Client, model *registry.Model,
	req openai.ChatCompletionRequest, usage metering.Usage, promptEstimate float64) {
	start := time.Now()
	stream, err := client.CreateChatCompletionStream(r.Context(), req)
	if err != nil {
		h.observe(model, start)
		h.upstreamFailure(w, model, err)
		return
	}
	defer stream.Close()
	h.countRequest(model, http.StatusOK)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// The server write timeout would otherwise end long streams.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("clearing stream write deadline", "error", err)
	}
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	completionChars := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("completion stream interrupted", "provider", model.Provider, "model", model.Name, "error", err)
			if h.metrics != nil {
				h.metrics.IncUpstreamError(classifyUpstreamError(err), model.Provider)
			}
			break
		}
		for _, c := range chunk.Choices {
			completionChars += utf8.RuneCountInString(c.Delta.Content)
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("encoding completion chunk", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			slog.Warn("client went away during stream", "error", err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	h.observe(model, start)

	usage.InputTokens = int64(math.Ceil(promptEstimate))
	usage.OutputTokens = int64(math.Ceil(float64(completionChars) / 4))
	usage.Cost = model.Cost(usage.InputTokens, usage.OutputTokens)
	h.usage.RecordUsage(context.WithoutCancel(r.Context()), usage)
}

func (h *Handler) upstreamFailure(w http.ResponseWriter, model *registry.Model, err error) {
	kind := classifyUpstreamError(err)
	slog.Error("AI provider request failed", "provider", model.Provider, "model", model.Name, "kind", kind, "error", err)

	status := http.StatusInternalServerError
	if kind == "timeout" {
		status = http.StatusGatewayTimeout
	}
	if h.metrics != nil {
		h.metrics.IncUpstreamError(kind, model.Provider)
	}
	h.countRequest(model, upstreamStatus(err, status))

	if status == http.StatusGatewayTimeout {
		writeError(w, status, "upstream_timeout", "AI provider timed out")
		return
	}
	writeError(w, status, "upstream_error", "AI provider request failed")
}

func (h *Handler) observe(model *registry.Model, start time.Time) {
	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(model.Provider, model.NameInClient, time.Since(start).Seconds())
	}
}

func (h *Handler) countRequest(model *registry.Model, status int) {
	if h.metrics != nil {
		h.metrics.IncUpstreamRequests(model.Provider, model.NameInClient, status)
	}
}

func toOpenAI(msgs []chatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return out
}

// upstreamStatus is the provider's HTTP status when it answered, else fallback.
func upstreamStatus(err error, fallback int) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return reqErr.HTTPStatusCode
	}
	return fallback
}

// classifyUpstreamError categorizes an upstream client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return "provider"
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return "provider"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	return "other"
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
