package usage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/metrics"
	"github.com/parley-voice/parley/internal/shared"
)

// Record is one persisted per-response usage row.
type Record struct {
	UserID     string
	SessionID  string
	EventType  string
	Model      string
	ResponseID string
	Usage      Sample
	Costs      Costs
	Raw        json.RawMessage
	CreatedAt  time.Time
}

// DailyDelta is added to the (user, date) rolling aggregate.
type DailyDelta struct {
	UserID string
	Date   string
	Usage  Sample
	Costs  Costs
}

// ConversationEnd closes a session in the store.
type ConversationEnd struct {
	UserID          string
	SessionID       string
	Model           string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationMinutes int64
	Totals          Accumulated
}

// Store is the persistence collaborator. Every call is best-effort from the
// engine's point of view.
type Store interface {
	PricingSource
	AppendUsageRecord(ctx context.Context, rec Record) error
	AddDailyUsage(ctx context.Context, delta DailyDelta) error
	RecordConversationEnd(ctx context.Context, end ConversationEnd) error
}

// Accumulated is the running total for the active session.
type Accumulated struct {
	InputTokens       int64 `json:"total_input_tokens"`
	OutputTokens      int64 `json:"total_output_tokens"`
	InputTextTokens   int64 `json:"total_input_text_tokens"`
	InputAudioTokens  int64 `json:"total_input_audio_tokens"`
	OutputTextTokens  int64 `json:"total_output_text_tokens"`
	OutputAudioTokens int64 `json:"total_output_audio_tokens"`
	CachedTokens      int64 `json:"total_cached_tokens"`
	TotalCost         int64 `json:"total_cost"`
	Responses         int64 `json:"responses"`
}

func (a *Accumulated) add(s Sample, c Costs) {
	a.InputTokens += s.InputTokens
	a.OutputTokens += s.OutputTokens
	a.InputTextTokens += s.InputTextTokens
	a.InputAudioTokens += s.InputAudioTokens
	a.OutputTextTokens += s.OutputTextTokens
	a.OutputAudioTokens += s.OutputAudioTokens
	a.CachedTokens += s.InputCachedTokens
	a.TotalCost += c.TotalCost
	a.Responses++
}

// TrackRequest describes one completed response.
type TrackRequest struct {
	EventType  string
	Model      string
	ResponseID string
	Usage      json.RawMessage
}

// Result is returned by Track even when persistence fails.
type Result struct {
	Model         string      `json:"model"`
	ResponseID    string      `json:"response_id,omitempty"`
	PricingSource string      `json:"pricing_source"`
	CostUnit      string      `json:"cost_unit"`
	Usage         Sample      `json:"usage"`
	Costs         Costs       `json:"costs"`
	Accumulated   Accumulated `json:"accumulated"`
}

// Engine prices completed responses and keeps the session running total.
type Engine struct {
	store        Store
	resolver     *PricingResolver
	userID       string
	defaultModel string
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu          sync.Mutex
	sessionID   string
	startedAt   time.Time
	lastModel   string
	accumulated Accumulated
}

func NewEngine(store Store, resolver *PricingResolver, userID, defaultModel string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = NewPricingResolver(store, nil, logger)
	}
	if defaultModel == "" {
		defaultModel = ModelRealtime
	}
	return &Engine{
		store:        store,
		resolver:     resolver,
		userID:       userID,
		defaultModel: defaultModel,
		logger:       logger,
		metrics:      metrics.Get(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// StartSession resets the running totals and opens sessionID.
func (e *Engine) StartSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
	e.startedAt = e.now()
	e.lastModel = ""
	e.accumulated = Accumulated{}
	e.logger.Info("usage tracking started", zap.String("session_id", sessionID))
}

// SessionID returns the active session, or "" when none is open.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Track prices one response, adds it to the running total and persists it.
// A persistence failure is returned as an *shared.AccountingError alongside
// a valid result; the running total is not rolled back.
func (e *Engine) Track(ctx context.Context, req TrackRequest) (*Result, error) {
	e.mu.Lock()
	sessionID := e.sessionID
	e.mu.Unlock()
	if sessionID == "" {
		return nil, &shared.AccountingError{Op: "track", Err: shared.ErrNoActiveSession}
	}

	model := req.Model
	if model == "" {
		model = e.defaultModel
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = "response.done"
	}

	sample := ParseUsage(req.Usage)
	pricing, source := e.resolver.Resolve(ctx, model)
	costs := ComputeCost(sample, pricing)
	now := e.now()

	e.mu.Lock()
	if e.sessionID != sessionID {
		e.mu.Unlock()
		return nil, &shared.AccountingError{Op: "track", Err: shared.ErrNoActiveSession}
	}
	e.accumulated.add(sample, costs)
	e.lastModel = model
	snapshot := e.accumulated
	e.mu.Unlock()

	e.recordMetrics(model, sample, costs)

	result := &Result{
		Model:         model,
		ResponseID:    req.ResponseID,
		PricingSource: source,
		CostUnit:      CostUnit,
		Usage:         sample,
		Costs:         costs,
		Accumulated:   snapshot,
	}

	if err := e.persist(ctx, sessionID, eventType, model, req, sample, costs, now); err != nil {
		e.metrics.RecordAccountingError("persist")
		e.logger.Warn("usage persistence failed",
			zap.String("session_id", sessionID),
			zap.String("response_id", req.ResponseID),
			zap.Error(err),
		)
		return result, &shared.AccountingError{Op: "persist", Err: err}
	}
	return result, nil
}

func (e *Engine) persist(ctx context.Context, sessionID, eventType, model string, req TrackRequest, sample Sample, costs Costs, now time.Time) error {
	if e.store == nil {
		return nil
	}
	var errs []error
	if err := e.store.AppendUsageRecord(ctx, Record{
		UserID:     e.userID,
		SessionID:  sessionID,
		EventType:  eventType,
		Model:      model,
		ResponseID: req.ResponseID,
		Usage:      sample,
		Costs:      costs,
		Raw:        req.Usage,
		CreatedAt:  now,
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.AddDailyUsage(ctx, DailyDelta{
		UserID: e.userID,
		Date:   now.Format("2006-01-02"),
		Usage:  sample,
		Costs:  costs,
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) recordMetrics(model string, s Sample, c Costs) {
	e.metrics.RecordTokens(model, "input_text", s.InputTextTokens)
	e.metrics.RecordTokens(model, "input_audio", s.InputAudioTokens)
	e.metrics.RecordTokens(model, "input_cached", s.InputCachedTokens)
	e.metrics.RecordTokens(model, "output_text", s.OutputTextTokens)
	e.metrics.RecordTokens(model, "output_audio", s.OutputAudioTokens)
	e.metrics.RecordCost(model, c.TotalCost)
}

// Accumulated returns a snapshot of the running total.
func (e *Engine) Accumulated() Accumulated {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accumulated
}

// EndSession persists the closing duration update and resets all session
// state. It is a no-op when no session is open.
func (e *Engine) EndSession(ctx context.Context) error {
	e.mu.Lock()
	if e.sessionID == "" {
		e.mu.Unlock()
		return nil
	}
	end := ConversationEnd{
		UserID:    e.userID,
		SessionID: e.sessionID,
		Model:     e.lastModel,
		StartedAt: e.startedAt,
		EndedAt:   e.now(),
		Totals:    e.accumulated,
	}
	e.sessionID = ""
	e.startedAt = time.Time{}
	e.lastModel = ""
	e.accumulated = Accumulated{}
	e.mu.Unlock()

	if end.Model == "" {
		end.Model = e.defaultModel
	}
	end.DurationMinutes = int64(math.Round(end.EndedAt.Sub(end.StartedAt).Minutes()))

	e.logger.Info("usage tracking ended",
		zap.String("session_id", end.SessionID),
		zap.Int64("duration_minutes", end.DurationMinutes),
		zap.Int64("total_cost", end.Totals.TotalCost),
	)

	if e.store == nil {
		return nil
	}
	if err := e.store.RecordConversationEnd(ctx, end); err != nil {
		e.metrics.RecordAccountingError("end_session")
		e.logger.Warn("conversation end persistence failed",
			zap.String("session_id", end.SessionID),
			zap.Error(err),
		)
		return &shared.AccountingError{Op: "end_session", Err: err}
	}
	return nil
}
