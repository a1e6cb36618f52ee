package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/metrics"
	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/protocol"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/usage"
)

const (
	defaultAccountingTimeout      = 5 * time.Second
	defaultPendingResponseTimeout = 30 * time.Second
)

// Accountant prices a completed response.
type Accountant interface {
	Track(ctx context.Context, req usage.TrackRequest) (*usage.Result, error)
}

// Auditor keeps a copy of every dispatched event.
type Auditor interface {
	Record(ev storage.AuditEvent)
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithAccountant(a Accountant) Option {
	return func(r *Router) { r.accountant = a }
}

func WithAuditor(a Auditor) Option {
	return func(r *Router) { r.audit = a }
}

func WithAccountingTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.accountingTimeout = d
		}
	}
}

// WithPendingResponseTimeout bounds how long a finalized assistant message
// may wait for response.done before its accumulator is released.
func WithPendingResponseTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.pendingTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// Router turns raw event-channel frames into state changes and
// notifications. HandleMessage is not safe for concurrent use; frames from
// one channel arrive sequentially.
type Router struct {
	gate       *Gate
	sink       notify.Sink
	accountant Accountant
	audit      Auditor
	dedup      *eventDedupCache
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	accountingTimeout time.Duration
	pendingTimeout    time.Duration

	mu           sync.Mutex
	sessionID    string
	pendingTimer *time.Timer
}

func New(gate *Gate, sink notify.Sink, opts ...Option) *Router {
	if sink == nil {
		sink = notify.Fanout{}
	}
	r := &Router{
		gate:              gate,
		sink:              sink,
		dedup:             newEventDedupCache(dedupCacheSizePerSession),
		logger:            zap.NewNop(),
		metrics:           metrics.Get(),
		now:               time.Now,
		accountingTimeout: defaultAccountingTimeout,
		pendingTimeout:    defaultPendingResponseTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Gate() *Gate { return r.gate }

// SetSession scopes dedup and audit records to sessionID.
func (r *Router) SetSession(sessionID string) {
	r.mu.Lock()
	prev := r.sessionID
	r.sessionID = sessionID
	r.mu.Unlock()
	if prev != "" && prev != sessionID {
		r.dedup.forget(prev)
	}
}

func (r *Router) session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Reset cancels pending diagnostics and resets the gate for a new session.
func (r *Router) Reset() {
	r.stopPendingTimer()
	r.gate.Reset()
}

// Close stops background timers.
func (r *Router) Close() {
	r.stopPendingTimer()
}

// HandleMessage processes one inbound frame. It never panics on bad input
// and never returns an error; every failure is logged.
func (r *Router) HandleMessage(raw []byte) {
	if reasons := r.gate.BlockReasons(true); len(reasons) > 0 {
		r.metrics.RecordBlocked("pre_parse")
		r.logger.Debug("event rejected before parse", zap.Strings("reasons", reasons))
		return
	}

	ev, err := protocol.Decode(raw)
	if err != nil {
		r.metrics.RecordParseError()
		r.logger.Warn("failed to parse realtime event", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}

	sessionID := r.session()
	if r.dedup.seen(sessionID, ev.ID()) {
		r.logger.Debug("duplicate event ignored",
			zap.String("event_type", ev.Type()),
			zap.String("event_id", ev.ID()),
		)
		return
	}

	if reasons := r.gate.BlockReasons(false); len(reasons) > 0 {
		r.metrics.RecordBlocked("post_parse")
		r.logger.Debug("event rejected after parse",
			zap.String("event_type", ev.Type()),
			zap.Strings("reasons", reasons),
		)
		return
	}

	if r.audit != nil {
		r.audit.Record(storage.AuditEvent{
			SessionID:  sessionID,
			EventID:    ev.ID(),
			Type:       ev.Type(),
			Data:       append([]byte(nil), raw...),
			ReceivedAt: r.now().UTC(),
		})
	}

	r.metrics.RecordEvent(ev.Type())
	r.dispatch(ev)
}

func (r *Router) dispatch(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.ConversationItemCreated:
		r.handleItemCreated(e)
	case *protocol.InputTranscriptionDelta:
		r.handleUserDelta(e)
	case *protocol.InputTranscriptionCompleted:
		r.handleUserCompleted(e)
	case *protocol.InputBufferCommitted:
		r.handleBufferCommitted(e)
	case *protocol.ResponseCreated:
		r.handleResponseCreated(e)
	case *protocol.ResponseTranscriptDelta:
		r.handleAIDelta(e)
	case *protocol.ResponseTranscriptDone:
		r.handleAIDone(e)
	case *protocol.ResponseDone:
		r.handleResponseDone(e)
	case *protocol.SessionCreated, *protocol.SessionUpdated, *protocol.InputBufferCleared:
		r.logger.Debug("session event", zap.String("event_type", ev.Type()), zap.String("event_id", ev.ID()))
	case *protocol.ErrorEvent:
		r.handleError(e)
	default:
		r.logger.Debug("unhandled event", zap.String("event_type", ev.Type()))
	}
}

func (r *Router) emit(n notify.Notification) {
	r.sink.Notify(n)
}

// finalText applies the final-or-accumulated rule and trims the result.
func finalText(final, accumulated string) string {
	if final != "" {
		return strings.TrimSpace(final)
	}
	return strings.TrimSpace(accumulated)
}
