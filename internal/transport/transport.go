// Package transport owns the WebRTC peer connection, the JSON event channel
// and local/remote audio. It carries bytes and has no protocol semantics.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/protocol"
	"github.com/parley-voice/parley/internal/shared"
)

// Channel states reported by ChannelState.
const (
	ChannelNone       = "none"
	ChannelConnecting = "connecting"
	ChannelOpen       = "open"
	ChannelClosing    = "closing"
	ChannelClosed     = "closed"
)

// Handlers receive transport callbacks. All fields are optional.
type Handlers struct {
	OnMessage        func(data []byte)
	OnOpen           func()
	OnUnexpectedDrop func(reason string)
}

// PeerTransport is a single-use WebRTC transport: Open, negotiate, and
// tear down once with Close or ForceTeardown.
type PeerTransport struct {
	cfg    config.WebRTCConfig
	mic    Microphone
	sink   AudioSink
	logger *zap.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	handlers Handlers

	tearingDown atomic.Bool
	dropOnce    sync.Once
}

func NewPeerTransport(cfg config.WebRTCConfig, mic Microphone, sink AudioSink, logger *zap.Logger) *PeerTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = "oai-events"
	}
	return &PeerTransport{cfg: cfg, mic: mic, sink: sink, logger: logger}
}

// Open creates the peer connection, acquires the microphone, creates the
// event channel and wires the remote audio sink. On failure everything
// acquired so far is released.
func (t *PeerTransport) Open(ctx context.Context, h Handlers) error {
	t.mu.Lock()
	if t.pc != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: peer connection already open", shared.ErrTransport)
	}
	t.handlers = h
	t.mu.Unlock()
	t.tearingDown.Store(false)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers()})
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %v", shared.ErrTransport, err)
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()

	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Debug("ice connection state", zap.String("state", s.String()))
	})

	if t.mic != nil {
		track, err := t.mic.Acquire(ctx)
		if err != nil {
			t.ForceTeardown()
			return err
		}
		if _, err := pc.AddTrack(track); err != nil {
			t.ForceTeardown()
			return fmt.Errorf("%w: add local track: %v", shared.ErrTransport, err)
		}
	} else if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.ForceTeardown()
		return fmt.Errorf("%w: add audio transceiver: %v", shared.ErrTransport, err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if t.tearingDown.Load() || t.sink == nil {
			return
		}
		t.sink.Attach(track)
	})

	dc, err := pc.CreateDataChannel(t.cfg.DataChannelLabel, nil)
	if err != nil {
		t.ForceTeardown()
		return fmt.Errorf("%w: create data channel: %v", shared.ErrTransport, err)
	}
	dc.OnOpen(func() {
		t.logger.Info("event channel open", zap.String("label", dc.Label()))
		if cb := t.callbacks().OnOpen; cb != nil {
			cb()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			t.logger.Debug("binary frame ignored", zap.Int("bytes", len(msg.Data)))
			return
		}
		if cb := t.callbacks().OnMessage; cb != nil {
			cb(msg.Data)
		}
	})
	dc.OnClose(func() {
		t.logger.Info("event channel closed", zap.String("label", dc.Label()))
		t.unexpectedDrop("event channel closed")
	})
	dc.OnError(func(err error) {
		t.logger.Warn("event channel error", zap.Error(err))
	})

	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()
	return nil
}

func (t *PeerTransport) iceServers() []webrtc.ICEServer {
	if len(t.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: t.cfg.ICEServers}}
}

func (t *PeerTransport) callbacks() Handlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *PeerTransport) handleConnectionState(s webrtc.PeerConnectionState) {
	t.logger.Info("peer connection state", zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		t.unexpectedDrop("peer connection " + s.String())
	}
}

// unexpectedDrop reports a terminal transport state at most once and never
// during an intentional teardown.
func (t *PeerTransport) unexpectedDrop(reason string) {
	if t.tearingDown.Load() {
		return
	}
	t.dropOnce.Do(func() {
		err := fmt.Errorf("%w: %s", shared.ErrTransport, reason)
		t.logger.Warn("transport dropped unexpectedly", zap.Error(err))
		if cb := t.callbacks().OnUnexpectedDrop; cb != nil {
			cb(reason)
		}
	})
}

func (t *PeerTransport) peer() *webrtc.PeerConnection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc
}

// CreateOffer builds the local offer and waits for ICE gathering to finish
// so the returned SDP carries every candidate.
func (t *PeerTransport) CreateOffer(ctx context.Context) (string, error) {
	pc := t.peer()
	if pc == nil {
		return "", &shared.NegotiationError{Err: shared.ErrNoPeerConnection}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", &shared.NegotiationError{Err: fmt.Errorf("create offer: %w", err)}
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", &shared.NegotiationError{Err: fmt.Errorf("set local description: %w", err)}
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", &shared.NegotiationError{Err: fmt.Errorf("ice gathering: %w", ctx.Err())}
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", &shared.NegotiationError{Err: errors.New("local description missing after gathering")}
	}
	return local.SDP, nil
}

// SetRemoteAnswer applies the upstream SDP answer.
func (t *PeerTransport) SetRemoteAnswer(sdp string) error {
	pc := t.peer()
	if pc == nil {
		return &shared.NegotiationError{Err: shared.ErrNoPeerConnection}
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return &shared.NegotiationError{Err: fmt.Errorf("set remote description: %w", err)}
	}
	return nil
}

// Send writes v as a JSON text frame. It reports false when the channel is
// not open or the write fails.
func (t *PeerTransport) Send(v any) bool {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Warn("marshal outbound frame", zap.Error(err))
		return false
	}
	if err := dc.SendText(string(data)); err != nil {
		t.logger.Warn("send on event channel failed", zap.Error(err))
		return false
	}
	return true
}

// ChannelState reports whether the event channel exists and its ready state.
func (t *PeerTransport) ChannelState() (present bool, state string) {
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil {
		return false, ChannelNone
	}
	switch dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return true, ChannelOpen
	case webrtc.DataChannelStateClosing:
		return true, ChannelClosing
	case webrtc.DataChannelStateClosed:
		return true, ChannelClosed
	default:
		return true, ChannelConnecting
	}
}

// Probe adapts ChannelState to the router's channel check.
func (t *PeerTransport) Probe() (present, open bool) {
	present, state := t.ChannelState()
	return present, state == ChannelOpen
}

// Close tears the transport down gracefully: it asks upstream to stop
// turn detection, then releases media and closes the connection. Step
// failures are logged. Close returns early with ctx.Err() when ctx expires.
func (t *PeerTransport) Close(ctx context.Context) error {
	t.tearingDown.Store(true)

	if !t.Send(protocol.DisableTurnDetection()) {
		t.logger.Debug("turn detection disable frame not sent")
	}

	t.mu.Lock()
	pc, dc := t.pc, t.dc
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Silence()
	}
	if dc != nil {
		if err := dc.Close(); err != nil {
			t.logger.Warn("close event channel", zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.mic != nil {
		t.mic.Stop()
	}

	if pc != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, sender := range pc.GetSenders() {
				if err := pc.RemoveTrack(sender); err != nil {
					t.logger.Debug("remove track", zap.Error(err))
				}
			}
			if err := pc.Close(); err != nil {
				t.logger.Warn("close peer connection", zap.Error(err))
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.release()
	return nil
}

// ForceTeardown synchronously silences audio, stops local media, detaches
// every listener and starts closing the connection. It is safe to call at
// any time, including before Open completed, and more than once.
func (t *PeerTransport) ForceTeardown() {
	t.tearingDown.Store(true)

	t.mu.Lock()
	pc, dc := t.pc, t.dc
	t.handlers = Handlers{}
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.Silence()
	}
	if t.mic != nil {
		t.mic.Stop()
	}
	if dc != nil {
		dc.OnOpen(func() {})
		dc.OnMessage(func(webrtc.DataChannelMessage) {})
		dc.OnClose(func() {})
		if err := dc.Close(); err != nil {
			t.logger.Warn("force close event channel", zap.Error(err))
		}
	}
	if pc != nil {
		pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
		pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
		pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
		go func() {
			if err := pc.Close(); err != nil {
				t.logger.Warn("force close peer connection", zap.Error(err))
			}
		}()
	}

	t.release()
}

func (t *PeerTransport) release() {
	t.mu.Lock()
	t.pc = nil
	t.dc = nil
	t.handlers = Handlers{}
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.Detach()
	}
}
