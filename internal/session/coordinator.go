// Package session drives the connect handshake and the supervised teardown
// of a realtime voice session.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/metrics"
	"github.com/parley-voice/parley/internal/protocol"
	"github.com/parley-voice/parley/internal/router"
	"github.com/parley-voice/parley/internal/shared"
	"github.com/parley-voice/parley/internal/transport"
)

const (
	defaultWatchdog   = 5000 * time.Millisecond
	defaultEndTimeout = 5 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateRequesting
	StateNegotiating
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) active() bool {
	return s == StateRequesting || s == StateNegotiating || s == StateConnected || s == StateDisconnecting
}

// Transport is the surface the coordinator needs from transport.PeerTransport.
type Transport interface {
	Open(ctx context.Context, h transport.Handlers) error
	CreateOffer(ctx context.Context) (string, error)
	SetRemoteAnswer(sdp string) error
	Send(v any) bool
	ChannelState() (present bool, state string)
	Probe() (present, open bool)
	Close(ctx context.Context) error
	ForceTeardown()
}

// TransportFactory builds a fresh transport for each connect attempt.
type TransportFactory func() Transport

// UsageSession scopes usage accounting to a connection.
type UsageSession interface {
	StartSession(sessionID string)
	EndSession(ctx context.Context) error
}

// NewSessionID derives a session identifier from the clock plus randomness.
func NewSessionID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("sess_%d_%s", now.UnixMilli(), random[:12])
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithUsage(u UsageSession) Option {
	return func(c *Coordinator) { c.usage = u }
}

func WithSessionConfig(cfg config.SessionConfig) Option {
	return func(c *Coordinator) {
		c.sessionCfg = cfg
		if cfg.WatchdogTimeoutMS > 0 {
			c.watchdog = time.Duration(cfg.WatchdogTimeoutMS) * time.Millisecond
		}
	}
}

// WithWatchdog overrides the forced-teardown deadline.
func WithWatchdog(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.watchdog = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator owns the session state machine:
//
//	Idle -> Requesting -> Negotiating -> Connected -> Disconnecting -> Disconnected
//
// Every exit from Connected goes through Disconnect, which blocks the
// router before any teardown step runs.
type Coordinator struct {
	creds        CredentialSource
	negotiator   Negotiator
	newTransport TransportFactory
	router       *router.Router
	usage        UsageSession
	sessionCfg   config.SessionConfig
	watchdog     time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu        sync.Mutex
	state     State
	gen       uint64
	transport Transport
	sessionID string
	startedAt time.Time
	endedAt   time.Time
	teardown  *teardown
}

// teardown tracks one Disconnecting phase.
type teardown struct {
	gen     uint64
	started time.Time
	timer   *time.Timer
	done    chan struct{}
}

func NewCoordinator(creds CredentialSource, negotiator Negotiator, factory TransportFactory, r *router.Router, opts ...Option) *Coordinator {
	c := &Coordinator{
		creds:        creds,
		negotiator:   negotiator,
		newTransport: factory,
		router:       r,
		sessionCfg:   config.Default().Session,
		watchdog:     defaultWatchdog,
		logger:       zap.NewNop(),
		metrics:      metrics.Get(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// current reports whether gen is still the live attempt.
func (c *Coordinator) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// Connect runs the handshake: credential, offer/answer, transport ready.
// Handshake failures leave the coordinator Idle with the transport torn
// down. A Disconnect during the handshake makes Connect return
// ErrConnectAborted.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.active() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", shared.ErrAlreadyActive, state)
	}
	c.gen++
	gen := c.gen
	c.state = StateRequesting
	c.sessionID = ""
	c.startedAt = time.Time{}
	c.endedAt = time.Time{}
	c.mu.Unlock()

	c.router.Reset()
	start := c.now()
	c.logger.Info("connecting")

	credential, err := c.creds.FetchCredential(ctx)
	if err != nil {
		return c.fail(gen, nil, start, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.aborted(start)
	}
	c.state = StateNegotiating
	tr := c.newTransport()
	c.transport = tr
	c.mu.Unlock()

	handlers := transport.Handlers{
		OnMessage:        c.router.HandleMessage,
		OnOpen:           func() { c.onChannelOpen(gen, tr) },
		OnUnexpectedDrop: func(reason string) { c.onUnexpectedDrop(gen, reason) },
	}
	if err := tr.Open(ctx, handlers); err != nil {
		return c.fail(gen, tr, start, err)
	}

	offer, err := tr.CreateOffer(ctx)
	if err != nil {
		return c.fail(gen, tr, start, err)
	}
	if !c.current(gen) {
		tr.ForceTeardown()
		return c.aborted(start)
	}

	answer, err := c.negotiator.Exchange(ctx, credential, offer)
	if err != nil {
		return c.fail(gen, tr, start, err)
	}
	if err := tr.SetRemoteAnswer(answer); err != nil {
		return c.fail(gen, tr, start, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		tr.ForceTeardown()
		return c.aborted(start)
	}
	c.sessionID = NewSessionID(c.now())
	c.startedAt = c.now()
	c.state = StateConnected
	sessionID := c.sessionID
	c.router.SetSession(sessionID)
	c.router.Gate().SetChannelProbe(tr.Probe)
	c.router.Gate().MarkConnected()
	c.mu.Unlock()

	if c.usage != nil {
		c.usage.StartSession(sessionID)
	}
	c.metrics.RecordSession("connected", c.now().Sub(start).Seconds())
	c.metrics.SetActiveSessions(1)
	c.logger.Info("session connected",
		zap.String("session_id", sessionID),
		zap.Duration("handshake", c.now().Sub(start)),
	)
	return nil
}

// fail tears down whatever the attempt acquired and returns to Idle.
func (c *Coordinator) fail(gen uint64, tr Transport, start time.Time, err error) error {
	if tr != nil {
		tr.ForceTeardown()
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.aborted(start)
	}
	c.state = StateIdle
	c.transport = nil
	c.mu.Unlock()

	c.metrics.RecordSession("failed", c.now().Sub(start).Seconds())
	c.logger.Warn("connect failed", zap.Error(err))
	return err
}

func (c *Coordinator) aborted(start time.Time) error {
	c.metrics.RecordSession("aborted", c.now().Sub(start).Seconds())
	c.logger.Info("connect aborted by teardown")
	return shared.ErrConnectAborted
}

// onChannelOpen sends the session configuration frame.
func (c *Coordinator) onChannelOpen(gen uint64, tr Transport) {
	if !c.current(gen) {
		return
	}
	frame := protocol.NewSessionUpdate(c.sessionCfg)
	if err := protocol.ValidateOutbound(frame); err != nil {
		c.logger.Error("session configuration rejected", zap.Error(err))
		return
	}
	if !tr.Send(frame) {
		c.logger.Warn("session configuration not sent: channel not open")
		return
	}
	c.logger.Info("session configuration sent",
		zap.String("voice", c.sessionCfg.Voice),
		zap.String("turn_detection", c.sessionCfg.TurnDetection.Type),
	)
}

func (c *Coordinator) onUnexpectedDrop(gen uint64, reason string) {
	if !c.current(gen) {
		return
	}
	c.router.Gate().Block()
	c.logger.Warn("transport dropped; disconnecting", zap.String("reason", reason))
	go func() {
		if err := c.Disconnect(context.Background()); err != nil {
			c.logger.Warn("disconnect after drop", zap.Error(err))
		}
	}()
}

// Send validates frame and writes it to the event channel.
func (c *Coordinator) Send(frame any) error {
	c.mu.Lock()
	state, tr := c.state, c.transport
	c.mu.Unlock()
	if state != StateConnected || tr == nil {
		return shared.ErrNotConnected
	}
	if err := protocol.ValidateOutbound(frame); err != nil {
		return err
	}
	if !tr.Send(frame) {
		return shared.ErrChannelNotOpen
	}
	return nil
}

// Disconnect blocks the router, then tears the transport down gracefully
// under a watchdog. It returns once Disconnected is reached, or with
// ctx.Err() if ctx ends first; the watchdog still completes the teardown.
// Calling Disconnect while a teardown is running joins it.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.router.Gate().Block()

	c.mu.Lock()
	switch c.state {
	case StateDisconnecting:
		td := c.teardown
		c.mu.Unlock()
		return wait(ctx, td.done)
	case StateRequesting, StateNegotiating, StateConnected:
	default:
		c.mu.Unlock()
		return nil
	}

	c.gen++
	td := &teardown{gen: c.gen, started: c.now(), done: make(chan struct{})}
	td.timer = time.AfterFunc(c.watchdog, func() { c.finish(td, "watchdog") })
	c.teardown = td
	c.state = StateDisconnecting
	tr := c.transport
	sessionID := c.sessionID
	c.mu.Unlock()

	c.logger.Info("disconnecting",
		zap.String("session_id", sessionID),
		zap.Duration("watchdog", c.watchdog),
	)

	go func() {
		if tr != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), c.watchdog)
			if err := tr.Close(closeCtx); err != nil {
				c.logger.Warn("graceful transport close failed", zap.Error(err))
			}
			cancel()
		}
		c.finish(td, "graceful")
	}()

	return wait(ctx, td.done)
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves a teardown to Disconnected exactly once. The first caller
// wins; a graceful finish cancels the watchdog.
func (c *Coordinator) finish(td *teardown, mode string) {
	c.mu.Lock()
	if c.teardown != td || c.state != StateDisconnecting {
		c.mu.Unlock()
		return
	}
	td.timer.Stop()
	tr := c.transport
	sessionID := c.sessionID
	c.transport = nil
	c.teardown = nil
	c.state = StateDisconnected
	c.endedAt = c.now()
	c.router.Gate().MarkDisconnected()
	c.mu.Unlock()

	if tr != nil {
		tr.ForceTeardown()
	}
	c.router.Close()

	if mode == "watchdog" {
		c.metrics.RecordWatchdogFired()
		c.logger.Warn("teardown watchdog fired; forced disconnect",
			zap.String("session_id", sessionID),
			zap.Duration("watchdog", c.watchdog),
		)
	}
	c.metrics.RecordTeardown(mode, c.now().Sub(td.started).Seconds())
	c.metrics.SetActiveSessions(0)

	if c.usage != nil && sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), defaultEndTimeout)
		ctx = shared.WithSessionID(ctx, sessionID)
		if err := c.usage.EndSession(ctx); err != nil {
			shared.LogErrorWithContext(ctx, c.logger, "end usage session", err)
		}
		cancel()
	}

	c.logger.Info("session disconnected", zap.String("session_id", sessionID), zap.String("mode", mode))
	close(td.done)
}

// ResetBlockState clears the force-block, the speaking flag and all turn
// accumulators so the coordinator can start a fresh session. A teardown in
// progress keeps the router closed until it reaches Disconnected.
func (c *Coordinator) ResetBlockState() {
	c.router.Reset()
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// Info is a point-in-time view of the connection for diagnostics.
type Info struct {
	SessionID      string        `json:"session_id"`
	State          string        `json:"state"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	Duration       time.Duration `json:"duration"`
	ForceBlocked   bool          `json:"force_blocked"`
	Speaking       bool          `json:"speaking"`
	ChannelPresent bool          `json:"channel_present"`
	ChannelState   string        `json:"channel_state"`
	BlockReasons   []string      `json:"block_reasons,omitempty"`
}

func (c *Coordinator) Info() Info {
	c.mu.Lock()
	info := Info{
		SessionID: c.sessionID,
		State:     c.state.String(),
		StartedAt: c.startedAt,
	}
	switch {
	case c.startedAt.IsZero():
	case c.endedAt.IsZero():
		info.Duration = c.now().Sub(c.startedAt)
	default:
		info.Duration = c.endedAt.Sub(c.startedAt)
	}
	tr := c.transport
	c.mu.Unlock()

	gate := c.router.Gate()
	info.ForceBlocked = gate.ForceBlocked()
	info.Speaking = gate.Speaking()
	info.ChannelState = transport.ChannelNone
	if tr != nil {
		info.ChannelPresent, info.ChannelState = tr.ChannelState()
	}
	info.BlockReasons = gate.BlockReasons(tr != nil)
	return info
}
