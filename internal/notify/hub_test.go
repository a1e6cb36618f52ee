package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func startTestServer(hub *Hub) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	return httptest.NewServer(mux)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcastsNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, "test-token", nil, zap.NewNop())
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer test-token")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	waitForClients(t, hub, 1)

	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	hub.Notify(NewMessage(Message{Speaker: SpeakerUser, Text: "hello", Timestamp: at}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var got Notification
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if got.Type != TypeMessage || got.Message == nil || got.Message.Text != "hello" {
		t.Fatalf("unexpected notification %+v", got)
	}
}

func TestHubRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, "test-token", nil, zap.NewNop())
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server)+"?token=wrong", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHubRejectsDisallowedOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(ctx, "", []string{"http://localhost:*"}, zap.NewNop())
	go hub.Run()

	server := startTestServer(hub)
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(server), header); err == nil {
		t.Fatal("expected origin rejection")
	}

	header.Set("Origin", "http://localhost:5173")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	conn.Close()
}

func TestHubNotifyDoesNotBlockWithoutRun(t *testing.T) {
	hub := NewHub(context.Background(), "", nil, zap.NewNop())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Notify(NewError("x", time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked with a full queue")
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		origin, pattern string
		want            bool
	}{
		{"http://localhost:5173", "*", true},
		{"http://localhost:5173", "http://localhost:5173", true},
		{"http://localhost:5173", "http://localhost:*", true},
		{"http://localhost", "http://localhost:*", true},
		{"https://app.example.com", "https://*.example.com", true},
		{"http://app.example.com", "https://*.example.com", false},
		{"https://example.org", "https://*.example.com", false},
		{"http://evil.example", "http://localhost:5173", false},
	}
	for _, tt := range tests {
		if got := MatchOrigin(tt.origin, tt.pattern); got != tt.want {
			t.Errorf("MatchOrigin(%q, %q) = %v, want %v", tt.origin, tt.pattern, got, tt.want)
		}
	}
}

func TestFanoutAndRecorder(t *testing.T) {
	var a, b Recorder
	f := Fanout{&a, nil, &b}
	f.Notify(NewSpeaking(true, time.Now()))
	f.Notify(NewError("boom", time.Now()))

	if len(a.All()) != 2 || len(b.All()) != 2 {
		t.Fatalf("expected both sinks to receive 2 notifications, got %d/%d", len(a.All()), len(b.All()))
	}
	speaking := a.OfType(TypeSpeaking)
	if len(speaking) != 1 || speaking[0].Speaking == nil || !*speaking[0].Speaking {
		t.Fatalf("unexpected speaking notifications %+v", speaking)
	}
}

func TestSpeakingFalseIsEncoded(t *testing.T) {
	data, err := json.Marshal(NewSpeaking(false, time.Time{}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"speaking":false`) {
		t.Fatalf("expected speaking:false in %s", data)
	}
}
