package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"comment-dm/internal/domain"
	"comment-dm/internal/ledger"
	"comment-dm/internal/metrics"
	"comment-dm/internal/queue"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	MonitorTrigger http.Handler
}

// ActivityStore lists dispatch outcomes.
type ActivityStore interface {
	ListDmLogs(ctx context.Context, filter domain.DmLogFilter) ([]domain.DmLog, int, error)
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Activity ActivityStore
	Ledger   *ledger.Ledger
	Queue    queue.Queue
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	deps       Dependencies
	basePath   string
	adminToken string
}

// New creates a new HTTP server listening on addr with health and metrics endpoints.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers, basePath, adminToken string) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		handlers:   handlers,
		basePath:   normaliseBasePath(basePath),
		adminToken: strings.TrimSpace(adminToken),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/credits/balance", server.handleBalance)
	mux.HandleFunc("/activity", server.handleActivity)
	mux.HandleFunc("/queue/stats", server.handleQueueStats)
	mux.HandleFunc("/admin/queue/drop", server.requireAdmin(server.handleQueueDrop))
	mux.HandleFunc("/admin/credits/grant", server.requireAdmin(server.handleGrant))

	if handlers.MonitorTrigger != nil {
		mux.Handle("/monitor/trigger", handlers.MonitorTrigger)
	}

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Ledger == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	balance, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		s.fail(w, "failed reading balance", err, "user_id", userID)
		return
	}
	writeJSON(w, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

type activityItem struct {
	ID            string     `json:"id"`
	RuleID        string     `json:"rule_id,omitempty"`
	RecipientID   string     `json:"recipient_id"`
	RecipientName string     `json:"recipient_name"`
	Message       string     `json:"message"`
	CommentText   string     `json:"comment_text"`
	PostRef       string     `json:"post_ref"`
	Status        string     `json:"status"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreditsUsed   int        `json:"credits_used"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Activity == nil {
		http.Error(w, "activity unavailable", http.StatusServiceUnavailable)
		return
	}
	filter, err := parseActivityFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.Normalize()

	logs, total, err := s.deps.Activity.ListDmLogs(r.Context(), filter)
	if err != nil {
		s.fail(w, "failed listing activity", err, "user_id", filter.UserID)
		return
	}
	items := make([]activityItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, activityItem{
			ID:            l.ID,
			RuleID:        l.RuleID,
			RecipientID:   l.RecipientID,
			RecipientName: l.RecipientName,
			Message:       l.Message,
			CommentText:   l.CommentText,
			PostRef:       l.PostRef,
			Status:        string(l.Status),
			FailureReason: l.FailureReason,
			CreditsUsed:   l.CreditsUsed,
			SentAt:        l.SentAt,
			CreatedAt:     l.CreatedAt,
		})
	}
	pages := 0
	if total > 0 {
		pages = (total + filter.Limit - 1) / filter.Limit
	}
	writeJSON(w, map[string]any{
		"logs": items,
		"pagination": map[string]int{
			"page":  filter.Page,
			"limit": filter.Limit,
			"total": total,
			"pages": pages,
		},
	})
}

func parseActivityFilter(r *http.Request) (domain.DmLogFilter, error) {
	q := r.URL.Query()
	filter := domain.DmLogFilter{
		UserID: q.Get("user_id"),
		RuleID: q.Get("rule_id"),
	}
	if filter.UserID == "" {
		return filter, errors.New("user_id is required")
	}
	switch status := strings.ToUpper(q.Get("status")); status {
	case "", "ALL":
	case string(domain.DmStatusSent), string(domain.DmStatusFailed):
		filter.Status = domain.DmStatus(status)
	default:
		return filter, fmt.Errorf("invalid status %q", status)
	}
	var err error
	if filter.Page, err = optionalInt(q.Get("page")); err != nil {
		return filter, fmt.Errorf("invalid page: %w", err)
	}
	if filter.Limit, err = optionalInt(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("invalid limit: %w", err)
	}
	for key, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = &t
	}
	return filter, nil
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Queue == nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.fail(w, "failed reading queue stats", err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleQueueDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Queue == nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	ruleID := r.URL.Query().Get("rule_id")
	if ruleID == "" {
		http.Error(w, "rule_id is required", http.StatusBadRequest)
		return
	}
	dropped, err := s.deps.Queue.DropRule(r.Context(), ruleID)
	if err != nil {
		s.fail(w, "failed dropping queued requests", err, "rule_id", ruleID)
		return
	}
	s.logger.Info("dropped queued requests", "rule_id", ruleID, "count", dropped)
	writeJSON(w, map[string]any{
		"status":  "ok",
		"rule_id": ruleID,
		"dropped": dropped,
	})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Ledger == nil {
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	userID := q.Get("user_id")
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if userID == "" || err != nil || amount <= 0 {
		http.Error(w, "user_id and a positive amount are required", http.StatusBadRequest)
		return
	}
	var expiresAt *time.Time
	if raw := q.Get("expires_in"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "invalid expires_in", http.StatusBadRequest)
			return
		}
		at := time.Now().UTC().Add(d)
		expiresAt = &at
	}
	grant, err := s.deps.Ledger.Grant(r.Context(), userID, amount, expiresAt)
	if err != nil {
		s.fail(w, "failed granting credits", err, "user_id", userID)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "ok",
		"grant_id":   grant.ID,
		"user_id":    userID,
		"amount":     grant.Amount,
		"expires_at": grant.ExpiresAt,
	})
}

// requireAdmin rejects requests without the admin bearer token. With no
// token configured the route is disabled.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "admin routes disabled", http.StatusForbidden)
			return
		}
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(s.adminToken)) != 1 {
			if s.metrics != nil {
				s.metrics.Errors.WithLabelValues("http_admin_auth").Inc()
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) fail(w http.ResponseWriter, msg string, err error, attrs ...any) {
	s.logger.Error(msg, append(attrs, "error", err)...)
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("http").Inc()
	}
	http.Error(w, msg, http.StatusInternalServerError)
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
