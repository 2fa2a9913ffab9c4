package monitor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"comment-dm/internal/metrics"
)

const maxTriggerBody = 1 << 16

// PassRunner runs one monitoring pass.
type PassRunner interface {
	RunMonitoringPass(ctx context.Context, userID string) (Summary, error)
}

// TriggerHandler starts an on-demand monitoring pass over HTTP. When a token
// is configured, callers must present it as a bearer token.
type TriggerHandler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	token   string
	runner  PassRunner
}

// NewTriggerHandler creates a trigger handler.
func NewTriggerHandler(logger *slog.Logger, metrics *metrics.Metrics, token string, runner PassRunner) *TriggerHandler {
	return &TriggerHandler{
		logger:  logger.With("component", "monitor_trigger"),
		metrics: metrics,
		token:   strings.TrimSpace(token),
		runner:  runner,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateAuth(r); err != nil {
		h.countError("monitor_trigger_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := userIDFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	summary, err := h.runner.RunMonitoringPass(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			http.Error(w, "account not connected", http.StatusConflict)
			return
		}
		h.logger.Error("monitoring pass failed", "user_id", userID, "error", err)
		h.countError("monitor_trigger")
		http.Error(w, "monitoring pass failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"summary": summary,
	})
}

func (h *TriggerHandler) validateAuth(r *http.Request) error {
	if h.token == "" {
		return nil
	}
	auth := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return fmt.Errorf("missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(h.token)) != 1 {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func (h *TriggerHandler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}

// userIDFromRequest reads user_id from the query string or a JSON body.
func userIDFromRequest(r *http.Request) (string, error) {
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return id, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		return "", fmt.Errorf("failed to read body")
	}
	var payload struct {
		UserID string `json:"user_id"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", fmt.Errorf("invalid json body")
		}
	}
	if id := strings.TrimSpace(payload.UserID); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("user_id is required")
}
