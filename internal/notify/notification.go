// Package notify carries application-level notifications produced by the
// event router to the UI: websocket clients, logs, or in-process callbacks.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/metrics"
	"github.com/parley-voice/parley/internal/usage"
)

// Notification types.
const (
	TypeMessage          = "message"
	TypeMessageWithUsage = "message-with-usage"
	TypeSpeaking         = "speaking"
	TypeUsageTracked     = "usage-tracked"
	TypeError            = "error"
)

const (
	SpeakerUser      = "user"
	SpeakerAssistant = "assistant"
)

// Message is one finalized utterance.
type Message struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Notification struct {
	Type     string        `json:"type"`
	Message  *Message      `json:"message,omitempty"`
	Speaking *bool         `json:"speaking,omitempty"`
	Usage    *usage.Result `json:"usage,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

func NewMessage(m Message) Notification {
	return Notification{Type: TypeMessage, Message: &m, At: m.Timestamp}
}

func NewMessageWithUsage(m Message, res *usage.Result, at time.Time) Notification {
	return Notification{Type: TypeMessageWithUsage, Message: &m, Usage: res, At: at}
}

func NewSpeaking(speaking bool, at time.Time) Notification {
	return Notification{Type: TypeSpeaking, Speaking: &speaking, At: at}
}

func NewUsageTracked(res *usage.Result, at time.Time) Notification {
	return Notification{Type: TypeUsageTracked, Usage: res, At: at}
}

func NewError(text string, at time.Time) Notification {
	return Notification{Type: TypeError, Error: text, At: at}
}

// Sink receives notifications. Notify may be called while the router holds
// its state lock, so implementations must not block or call back into the
// router.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// Fanout delivers each notification to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(n Notification) {
	metrics.Get().RecordNotification(n.Type)
	for _, s := range f {
		if s != nil {
			s.Notify(n)
		}
	}
}

// LogSink writes notifications to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Notify(n Notification) {
	if s.Logger == nil {
		return
	}
	fields := []zap.Field{zap.String("type", n.Type)}
	if n.Message != nil {
		fields = append(fields, zap.String("speaker", n.Message.Speaker), zap.String("text", n.Message.Text))
	}
	if n.Speaking != nil {
		fields = append(fields, zap.Bool("speaking", *n.Speaking))
	}
	if n.Usage != nil {
		fields = append(fields,
			zap.String("model", n.Usage.Model),
			zap.Int64("total_cost", n.Usage.Costs.TotalCost),
			zap.Int64("accumulated_cost", n.Usage.Accumulated.TotalCost),
		)
	}
	if n.Error != "" {
		s.Logger.Warn("notification", append(fields, zap.String("error", n.Error))...)
		return
	}
	s.Logger.Info("notification", fields...)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// OfType returns the recorded notifications of the given type.
func (r *Recorder) OfType(t string) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
