package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/config"
)

func TestRetryPacerBounds(t *testing.T) {
	p := newRetryPacer(100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.delay(attempt, 0)
		if d < 100*time.Millisecond || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}

	p.jitter = func() float64 { return 0.5 }
	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: time.Second,
	} {
		if got := p.delay(attempt, 0); got != want {
			t.Errorf("attempt %d: delay %s, want %s", attempt, got, want)
		}
	}
}

func TestRetryPacerHonorsHint(t *testing.T) {
	p := newRetryPacer(100*time.Millisecond, time.Second)
	p.jitter = func() float64 { return 0.5 }

	if got := p.delay(1, 3*time.Second); got != 3*time.Second {
		t.Errorf("longer hint should win, got %s", got)
	}
	if got := p.delay(3, 10*time.Millisecond); got != 400*time.Millisecond {
		t.Errorf("shorter hint should be ignored, got %s", got)
	}
	if got := p.delay(1, time.Hour); got != maxRetryAfter {
		t.Errorf("hint should be capped at %s, got %s", maxRetryAfter, got)
	}
}

func TestRetryAfterHeader(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"missing", "", 0},
		{"seconds", "2", 2 * time.Second},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			if got := retryAfter(h, now); got != tt.want {
				t.Errorf("retryAfter(%q) = %s, want %s", tt.value, got, tt.want)
			}
		})
	}
}

func TestMintWaitsForRetryAfter(t *testing.T) {
	var calls int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "4")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(okSession))
	}))
	defer up.Close()

	cfg := config.Default()
	cfg.Upstream.SessionsURL = up.URL
	cfg.Upstream.APIKey = "sk-test"
	cfg.Upstream.MaxRetries = 2

	m := NewUpstreamMinter(cfg.Upstream, "", zap.NewNop())
	var waits []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	body, err := m.Mint(context.Background())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if string(body) != okSession {
		t.Fatalf("unexpected body %s", body)
	}
	if len(waits) != 1 || waits[0] != 4*time.Second {
		t.Fatalf("expected one 4s wait from Retry-After, got %v", waits)
	}
}
