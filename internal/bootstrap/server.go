// Package bootstrap serves the credential endpoint the session client calls
// before negotiating, plus the notification hub, usage report and metrics.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/shared"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/usage"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 365
)

// UsageReader serves the daily usage report.
type UsageReader interface {
	DailySummaries(ctx context.Context, userID string, since time.Time) ([]storage.DailySummary, error)
}

// Server is the bootstrap HTTP daemon with lifecycle management.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	hub     *notify.Hub
	minter  Minter
	usage   UsageReader
	health  *HealthChecker
	now     func() time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	httpShutdown func(ctx context.Context) error
}

func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger,
		hub:    notify.NewHub(ctx, cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logger),
		minter: NewUpstreamMinter(cfg.Upstream, cfg.Session.Instructions, logger),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) Hub() *notify.Hub { return s.hub }

func (s *Server) SetMinter(m Minter) { s.minter = m }

func (s *Server) SetUsageReader(r UsageReader) { s.usage = r }

func (s *Server) SetHealthChecker(hc *HealthChecker) { s.health = hc }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.Handle("GET /api/usage", s.requireAuth(http.HandlerFunc(s.handleUsage)))
	mux.HandleFunc("GET /ws", s.hub.ServeWS)

	return mux
}

// Start binds the configured port and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.mu.Unlock()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.cfg.Server.Port, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	httpSrv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	s.httpShutdown = httpSrv.Shutdown

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("bootstrap server started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("api_key_configured", s.cfg.Upstream.APIKey != ""),
	)
	return nil
}

// Stop shuts the HTTP server down and waits for background goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.mu.Unlock()

	s.logger.Info("bootstrap server shutting down")

	if s.httpShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpShutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
		cancel()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("bootstrap server shutdown complete")
	case <-time.After(5 * time.Second):
		s.logger.Warn("bootstrap server shutdown timeout exceeded")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

type apiResponse struct {
	Data   interface{} `json:"data"`
	Meta   *apiMeta    `json:"meta,omitempty"`
	Totals *UsageTotal `json:"totals,omitempty"`
}

type apiMeta struct {
	Total    int    `json:"total"`
	Days     int    `json:"days,omitempty"`
	CostUnit string `json:"cost_unit,omitempty"`
}

type apiError struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// requireAuth checks the bearer token. An empty configured token disables
// the check for local use.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.cfg.Server.AuthToken
		if expected == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token != expected {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	result := s.health.Check(r.Context())
	status := http.StatusOK
	if result.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// upstreamMessage maps upstream failures to user-facing text.
func upstreamMessage(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "upstream API key is invalid; check OPENAI_API_KEY"
	case http.StatusForbidden:
		return "upstream access denied; check the account and billing settings"
	case http.StatusTooManyRequests:
		return "upstream rate limit exceeded; try again shortly"
	case http.StatusInternalServerError:
		return "upstream server error; try again shortly"
	default:
		return fmt.Sprintf("upstream error (%d)", status)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx := shared.WithCorrelationID(r.Context(), correlationID)
	w.Header().Set("X-Correlation-ID", correlationID)

	body, err := s.minter.Mint(ctx)
	if err != nil {
		var upErr *UpstreamError
		switch {
		case errors.Is(err, ErrMissingAPIKey):
			shared.LogErrorWithContext(ctx, s.logger, "credential request rejected", err)
			writeError(w, http.StatusInternalServerError, "upstream API key is not configured; set "+config.EnvAPIKey, "MISSING_API_KEY")
		case errors.As(err, &upErr):
			shared.LogErrorWithContext(ctx, s.logger, "upstream session request failed", err,
				zap.Int("upstream_status", upErr.Status))
			writeJSON(w, upErr.Status, apiError{
				Error:          upstreamMessage(upErr.Status),
				Code:           "UPSTREAM_ERROR",
				UpstreamStatus: upErr.Status,
			})
		default:
			shared.LogErrorWithContext(ctx, s.logger, "upstream session request failed", err)
			writeError(w, http.StatusBadGateway, "upstream sessions endpoint unreachable", "UPSTREAM_UNREACHABLE")
		}
		return
	}

	var check struct {
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &check); err != nil || check.ClientSecret.Value == "" {
		shared.LogErrorWithContext(ctx, s.logger, "upstream response missing client_secret", errors.New("missing client_secret.value"))
		writeError(w, http.StatusInternalServerError, "upstream response is missing client_secret", "MISSING_CLIENT_SECRET")
		return
	}

	shared.LogWithContext(ctx, s.logger, "ephemeral credential issued")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// UsageTotal sums the rows of a usage report.
type UsageTotal struct {
	TotalCost     int64 `json:"total_cost"`
	InputTokens   int64 `json:"total_input_tokens"`
	OutputTokens  int64 `json:"total_output_tokens"`
	CachedTokens  int64 `json:"total_cached_tokens"`
	Conversations int64 `json:"total_conversations"`
	UsageMinutes  int64 `json:"total_usage_time_minutes"`
	APICalls      int64 `json:"total_api_calls"`
}

func SumDaily(rows []storage.DailySummary) UsageTotal {
	var t UsageTotal
	for _, d := range rows {
		t.TotalCost += d.TotalCost
		t.InputTokens += d.InputTokens
		t.OutputTokens += d.OutputTokens
		t.CachedTokens += d.CachedTokens
		t.Conversations += d.Conversations
		t.UsageMinutes += d.UsageMinutes
		t.APICalls += d.APICalls
	}
	return t
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage store not configured", "USAGE_UNAVAILABLE")
		return
	}

	days := parseIntParam(r.URL.Query().Get("days"), defaultUsageDays)
	if days > maxUsageDays {
		days = maxUsageDays
	}
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = s.cfg.Usage.UserID
	}

	since := s.now().AddDate(0, 0, -days)
	rows, err := s.usage.DailySummaries(r.Context(), userID, since)
	if err != nil {
		s.logger.Error("usage report query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load usage", "INTERNAL")
		return
	}
	if rows == nil {
		rows = []storage.DailySummary{}
	}

	totals := SumDaily(rows)
	writeJSON(w, http.StatusOK, apiResponse{
		Data:   rows,
		Meta:   &apiMeta{Total: len(rows), Days: days, CostUnit: usage.CostUnit},
		Totals: &totals,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
