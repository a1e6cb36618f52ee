// Package router gates, decodes and dispatches inbound realtime events and
// turns them into application notifications.
package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/notify"
)

// Block reasons reported by Gate.BlockReasons.
const (
	ReasonForceBlocked   = "force_blocked"
	ReasonDisconnecting  = "disconnecting"
	ReasonNotConnected   = "not_connected"
	ReasonChannelMissing = "channel_missing"
	ReasonChannelClosed  = "channel_not_open"
)

// TurnState is the conversation state mutated by event handlers. It is only
// reachable through Gate.Do.
type TurnState struct {
	User          string
	AI            string
	LastAIMessage *notify.Message
	Speaking      bool

	// aiTurn increments whenever a new assistant turn opens so deferred work
	// can tell whether the turn it captured is still current.
	aiTurn uint64
}

// ChannelProbe reports whether the event channel exists and its state.
type ChannelProbe func() (present bool, open bool)

// Gate is the single state-machine object shared by the session coordinator
// and the router. Once Block returns, no handler mutates turn state or emits
// a notification until Reset.
type Gate struct {
	mu            sync.Mutex
	connected     bool
	disconnecting bool
	forceBlocked  bool
	state         TurnState

	probe  ChannelProbe
	logger *zap.Logger
}

func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger}
}

// SetChannelProbe installs the channel check used by the pre-parse gate.
func (g *Gate) SetChannelProbe(p ChannelProbe) {
	g.mu.Lock()
	g.probe = p
	g.mu.Unlock()
}

// MarkConnected opens the gate for a fresh connection.
func (g *Gate) MarkConnected() {
	g.mu.Lock()
	g.connected = true
	g.disconnecting = false
	g.mu.Unlock()
}

// Block closes the gate ahead of teardown.
func (g *Gate) Block() {
	g.mu.Lock()
	g.forceBlocked = true
	g.disconnecting = true
	g.mu.Unlock()
}

// MarkDisconnected records the terminal state; the gate stays blocked.
func (g *Gate) MarkDisconnected() {
	g.mu.Lock()
	g.connected = false
	g.disconnecting = false
	g.mu.Unlock()
}

// Reset clears the block, the speaking flag and both accumulators so the
// same gate can serve a fresh session. A teardown in progress keeps the
// gate closed; only MarkConnected and MarkDisconnected end it.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.forceBlocked = false
	turn := g.state.aiTurn
	g.state = TurnState{aiTurn: turn + 1}
	g.mu.Unlock()
}

func (g *Gate) reasonsLocked() []string {
	var reasons []string
	if g.forceBlocked {
		reasons = append(reasons, ReasonForceBlocked)
	}
	if g.disconnecting {
		reasons = append(reasons, ReasonDisconnecting)
	}
	if !g.connected {
		reasons = append(reasons, ReasonNotConnected)
	}
	return reasons
}

// BlockReasons lists every reason an event would be rejected right now.
// With checkChannel set the event channel is probed as well.
func (g *Gate) BlockReasons(checkChannel bool) []string {
	g.mu.Lock()
	reasons := g.reasonsLocked()
	probe := g.probe
	g.mu.Unlock()

	if !checkChannel {
		return reasons
	}
	if probe == nil {
		return append(reasons, ReasonChannelMissing)
	}
	present, open := probe()
	switch {
	case !present:
		reasons = append(reasons, ReasonChannelMissing)
	case !open:
		reasons = append(reasons, ReasonChannelClosed)
	}
	return reasons
}

// Blocked reports whether state-mutating handlers are refused.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reasonsLocked()) > 0
}

func (g *Gate) ForceBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forceBlocked
}

func (g *Gate) Speaking() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Speaking
}

// Snapshot returns a copy of the turn state.
func (g *Gate) Snapshot() TurnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	if s.LastAIMessage != nil {
		m := *s.LastAIMessage
		s.LastAIMessage = &m
	}
	return s
}

// Do runs fn with the gate lock held, unless the gate is blocked. It
// reports whether fn ran. fn must not block.
func (g *Gate) Do(eventType string, fn func(*TurnState)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reasons := g.reasonsLocked(); len(reasons) > 0 {
		g.logger.Debug("handler blocked",
			zap.String("event_type", eventType),
			zap.Strings("reasons", reasons),
		)
		return false
	}
	fn(&g.state)
	return true
}
