package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/bootstrap"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/notify"
	"github.com/parley-voice/parley/internal/router"
	"github.com/parley-voice/parley/internal/session"
	"github.com/parley-voice/parley/internal/storage"
	"github.com/parley-voice/parley/internal/transport"
	"github.com/parley-voice/parley/internal/usage"
)

const (
	testAPIKey     = "sk-test"
	testCredential = "ek_test"
)

// upstreamHarness plays the realtime API: it mints credentials and answers
// SDP offers with an in-process peer connection.
type upstreamHarness struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	peers   []*webrtc.PeerConnection
	channel  *webrtc.DataChannel
	opened   chan struct{}
	openOnce sync.Once

	frames chan []byte
	mints  atomic.Int64
}

func newUpstreamHarness(t *testing.T) *upstreamHarness {
	t.Helper()
	u := &upstreamHarness{
		t:      t,
		opened: make(chan struct{}),
		frames: make(chan []byte, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/realtime/sessions", u.handleMint)
	mux.HandleFunc("POST /v1/realtime", u.handleOffer)
	u.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		u.mu.Lock()
		peers := u.peers
		u.mu.Unlock()
		for _, pc := range peers {
			pc.Close()
		}
		u.server.Close()
	})
	return u
}

func (u *upstreamHarness) handleMint(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
		return
	}
	u.mints.Add(1)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"sess_up","client_secret":{"value":%q,"expires_at":%d}}`,
		testCredential, time.Now().Add(time.Minute).Unix())
}

func (u *upstreamHarness) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testCredential {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	offer, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	u.mu.Lock()
	u.peers = append(u.peers, pc)
	u.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			u.mu.Lock()
			u.channel = dc
			u.mu.Unlock()
			u.openOnce.Do(func() { close(u.opened) })
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case u.frames <- msg.Data:
			default:
			}
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	<-gathered

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, pc.LocalDescription().SDP)
}

func (u *upstreamHarness) waitOpen(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-u.opened:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for the event channel to open upstream")
	}
}

// send writes one server event to the client.
func (u *upstreamHarness) send(t *testing.T, event map[string]any) {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	u.mu.Lock()
	dc := u.channel
	u.mu.Unlock()
	if dc == nil {
		t.Fatal("event channel not open")
	}
	if err := dc.SendText(string(data)); err != nil {
		t.Fatalf("send event: %v", err)
	}
}

// nextFrame returns the next client frame decoded as a map.
func (u *upstreamHarness) nextFrame(t *testing.T, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case data := <-u.frames:
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("client sent invalid JSON %q: %v", data, err)
		}
		return frame
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

// dropPeers closes every upstream peer connection to simulate a network loss.
func (u *upstreamHarness) dropPeers() {
	u.mu.Lock()
	peers := u.peers
	u.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}

// clientHarness wires the full client stack against an upstreamHarness
// through a real bootstrap server.
type clientHarness struct {
	cfg       *config.Config
	store     *storage.Store
	engine    *usage.Engine
	recorder  *notify.Recorder
	router    *router.Router
	coord     *session.Coordinator
	bootstrap *httptest.Server
}

func newClientHarness(t *testing.T, up *upstreamHarness) *clientHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Upstream.APIKey = testAPIKey
	cfg.Upstream.SessionsURL = up.server.URL + "/v1/realtime/sessions"
	cfg.Upstream.RealtimeURL = up.server.URL + "/v1/realtime"
	cfg.WebRTC.ICEServers = nil
	cfg.Database.Path = filepath.Join(t.TempDir(), "parley.db")

	logger := zap.NewNop()

	db, err := storage.Open(context.Background(), cfg.Database.Path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	store := storage.NewStore(db, logger)
	t.Cleanup(func() { store.Close() })

	srv := bootstrap.NewServer(cfg, logger)
	srv.SetUsageReader(store)
	boot := httptest.NewServer(srv.Handler())
	t.Cleanup(boot.Close)

	cache, err := usage.NewPricingCache(cfg.Usage.PricingCacheSize, time.Minute)
	if err != nil {
		t.Fatalf("pricing cache: %v", err)
	}
	engine := usage.NewEngine(store, usage.NewPricingResolver(store, cache, logger), cfg.Usage.UserID, cfg.Usage.DefaultModel, logger)

	rec := &notify.Recorder{}
	r := router.New(router.NewGate(logger), rec, router.WithLogger(logger), router.WithAccountant(engine))

	factory := func() session.Transport {
		mic := transport.NewSampleMicrophone(transport.SilenceSource{}, logger)
		return transport.NewPeerTransport(cfg.WebRTC, mic, transport.NewDrainSink(nil, logger), logger)
	}
	coord := session.NewCoordinator(
		session.NewCredentialClient(boot.URL+"/api/session", 5*time.Second, logger),
		session.NewHTTPNegotiator(cfg.Upstream.RealtimeURL, cfg.Upstream.Model, 10*time.Second, logger),
		factory,
		r,
		session.WithLogger(logger),
		session.WithUsage(engine),
		session.WithSessionConfig(cfg.Session),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coord.Disconnect(ctx)
	})

	return &clientHarness{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		recorder:  rec,
		router:    r,
		coord:     coord,
		bootstrap: boot,
	}
}

func (c *clientHarness) messages(speaker string) []string {
	var out []string
	for _, n := range c.recorder.OfType(notify.TypeMessage) {
		if n.Message.Speaker == speaker {
			out = append(out, n.Message.Text)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}

func frameType(frame map[string]any) string {
	s, _ := frame["type"].(string)
	return strings.TrimSpace(s)
}
