// Package api exposes the gateway's HTTP surface: panel generation and
// credit status. All coordination logic lives below it; the handlers only
// translate between HTTP and the coordinator's outcome variants.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/panelforge/panelforge/internal/artifact"
	"github.com/panelforge/panelforge/internal/auth"
	"github.com/panelforge/panelforge/internal/coordinator"
	"github.com/panelforge/panelforge/internal/credit"
	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/httputil"
	"github.com/panelforge/panelforge/internal/provider"
)

// IdempotencyKeyHeader carries the client-chosen request key.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxPromptLength = 4000

// PanelRequest is the body of POST /v1/panels.
type PanelRequest struct {
	Prompt string            `json:"prompt"`
	Style  string            `json:"style,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// PanelResponse is the body of a successful generation. Replays return
// these bytes verbatim.
type PanelResponse struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreditsResponse is the body of GET /v1/credits.
type CreditsResponse struct {
	Remaining int64      `json:"remaining"`
	Capacity  int64      `json:"capacity"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	Unmetered bool       `json:"unmetered"`
}

// Handler serves the gateway's API endpoints.
type Handler struct {
	coord     *coordinator.Coordinator
	ledger    *credit.Ledger
	registry  *provider.Registry
	artifacts artifact.Store
	// profiles returns the current fallback chain; indirection keeps hot
	// config reloads visible without restarting in-flight handlers.
	profiles func() []fallback.Profile
	capacity int64
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Coordinator *coordinator.Coordinator
	Ledger      *credit.Ledger
	Registry    *provider.Registry
	Artifacts   artifact.Store
	Profiles    func() []fallback.Profile
	Capacity    int64
	Client      *http.Client
	Logger      *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coord:     cfg.Coordinator,
		ledger:    cfg.Ledger,
		registry:  cfg.Registry,
		artifacts: cfg.Artifacts,
		profiles:  cfg.Profiles,
		capacity:  cfg.Capacity,
		client:    client,
		logger:    logger,
		now:       time.Now,
	}
}

// GeneratePanel handles POST /v1/panels.
func (h *Handler) GeneratePanel(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
		return
	}

	rawKey := r.Header.Get(IdempotencyKeyHeader)
	if rawKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Idempotency-Key header is required")
		return
	}

	body, err := httputil.ReadLimitedBody(r.Body, httputil.DefaultMaxRequestBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body too large or unreadable")
		return
	}

	var panelReq PanelRequest
	if err := json.Unmarshal(body, &panelReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(panelReq.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
		return
	}
	if len(panelReq.Prompt) > maxPromptLength {
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("prompt exceeds %d characters", maxPromptLength))
		return
	}

	profiles := h.profiles()
	if len(profiles) == 0 {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable_error", "no generation backends configured")
		return
	}

	out := h.coord.Execute(r.Context(), coordinator.Request{
		RawKey:    rawKey,
		UserID:    identity.UserID,
		Unmetered: identity.Unmetered(),
		Profiles:  profiles,
		Attempt:   h.attempt(&panelReq, identity),
		Persist:   h.persist(identity.UserID),
	})

	h.writeOutcome(w, out)
}

// attempt binds one panel request to the provider registry. The fallback
// executor calls it once per profile.
func (h *Handler) attempt(req *PanelRequest, identity *auth.Identity) fallback.AttemptFunc {
	return func(ctx context.Context, profile fallback.Profile) (*fallback.Artifact, error) {
		prov, ok := h.registry.Get(profile.Provider)
		if !ok {
			return nil, fmt.Errorf("provider %q not configured", profile.Provider)
		}

		client := h.client
		if c, ok := h.registry.Client(profile.Provider); ok {
			client = c
		}

		params := make(map[string]string, len(profile.Params)+len(req.Params))
		for k, v := range profile.Params {
			params[k] = v
		}
		for k, v := range req.Params {
			params[k] = v
		}

		return provider.Invoke(ctx, client, prov, &provider.GenerationRequest{
			Prompt: req.Prompt,
			Model:  profile.Model,
			Width:  profile.Width,
			Height: profile.Height,
			Style:  req.Style,
			Params: params,
			APIKey: identity.ProviderKey,
		})
	}
}

// persist uploads the artifact and renders the durable response body.
func (h *Handler) persist(userID string) coordinator.PersistFunc {
	return func(ctx context.Context, res *fallback.Result) ([]byte, error) {
		art := res.Artifact
		id := uuid.NewString()

		url := art.URL
		if len(art.Data) > 0 {
			key := fmt.Sprintf("panels/%s/%s", userID, id)
			stored, err := h.artifacts.Put(ctx, key, art.ContentType, art.Data)
			if err != nil {
				return nil, fmt.Errorf("store artifact: %w", err)
			}
			url = stored
		}
		if url == "" {
			return nil, fmt.Errorf("artifact has neither url nor data")
		}

		return json.Marshal(PanelResponse{
			ID:          id,
			URL:         url,
			Provider:    art.Provider,
			Model:       art.Model,
			ContentType: art.ContentType,
			CreatedAt:   h.now().UTC(),
		})
	}
}

func (h *Handler) writeOutcome(w http.ResponseWriter, out coordinator.Outcome) {
	switch out.Kind {
	case coordinator.OutcomeSucceeded, coordinator.OutcomeReplayed:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.Status)
		_, _ = w.Write(out.Body)

	case coordinator.OutcomeRejectedInvalidKey:
		writeError(w, http.StatusBadRequest, "invalid_request_error",
			"Idempotency-Key must be 8-128 characters of A-Z, a-z, 0-9, or hyphen")

	case coordinator.OutcomeRejectedConflict:
		writeError(w, http.StatusConflict, "conflict_error",
			"a request with this Idempotency-Key is already in progress")

	case coordinator.OutcomeRejectedQuota:
		writeQuotaError(w, out.ResetAt)

	default:
		// Internal detail stays in the logs; clients get a generic error.
		writeError(w, http.StatusInternalServerError, "internal_error", "generation failed")
	}
}

// CreditStatus handles GET /v1/credits.
func (h *Handler) CreditStatus(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "authentication required")
		return
	}

	if identity.Unmetered() {
		writeJSON(w, http.StatusOK, CreditsResponse{
			Remaining: h.capacity,
			Capacity:  h.capacity,
			Unmetered: true,
		})
		return
	}

	status, err := h.ledger.Status(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("credit status lookup failed", "user_id", identity.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "credit status unavailable")
		return
	}

	resp := CreditsResponse{
		Remaining: status.Remaining,
		Capacity:  h.capacity,
	}
	if !status.ResetAt.IsZero() {
		resetAt := status.ResetAt
		resp.ResetAt = &resetAt
	}
	writeJSON(w, http.StatusOK, resp)
}
