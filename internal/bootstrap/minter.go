package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/metrics"
)

// ErrMissingAPIKey is returned when no upstream API key is configured.
var ErrMissingAPIKey = errors.New("upstream api key not configured")

// UpstreamError is a non-2xx response from the sessions endpoint.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream sessions endpoint returned %d: %s", e.Status, e.Body)
}

// Minter issues ephemeral credentials.
type Minter interface {
	Mint(ctx context.Context) (json.RawMessage, error)
}

// UpstreamMinter calls the upstream sessions endpoint with the server's
// API key.
type UpstreamMinter struct {
	url          string
	apiKey       string
	model        string
	voice        string
	instructions string
	maxRetries   int
	backoffBase  time.Duration
	client       *http.Client
	logger       *zap.Logger
	metrics      *metrics.Metrics
	sleep        func(ctx context.Context, d time.Duration) error
}

func NewUpstreamMinter(up config.UpstreamConfig, instructions string, logger *zap.Logger) *UpstreamMinter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UpstreamMinter{
		url:          up.SessionsURL,
		apiKey:       up.APIKey,
		model:        up.Model,
		voice:        up.Voice,
		instructions: instructions,
		maxRetries:   up.MaxRetries,
		backoffBase:  time.Duration(up.BackoffBaseMS) * time.Millisecond,
		client:       &http.Client{Timeout: time.Duration(up.TimeoutSec) * time.Second},
		logger:       logger,
		metrics:      metrics.Get(),
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type sessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// retryable reports whether a status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Mint returns the upstream session object, which carries
// client_secret.value. 429 and 5xx responses and network errors are
// retried with jittered backoff, honoring Retry-After.
func (m *UpstreamMinter) Mint(ctx context.Context) (json.RawMessage, error) {
	if m.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload, err := json.Marshal(sessionRequest{Model: m.model, Voice: m.voice, Instructions: m.instructions})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	pacer := newRetryPacer(m.backoffBase, 10*m.backoffBase+time.Second)
	var (
		lastErr error
		hint    time.Duration
	)
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			wait := pacer.delay(attempt, hint)
			m.logger.Info("retrying upstream session request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Duration("retry_after", hint),
				zap.Error(lastErr),
			)
			if err := m.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		body, status, header, err := m.post(ctx, payload)
		hint = 0
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			m.metrics.RecordCredentialRequest("network_error")
			continue
		case status >= 200 && status <= 299:
			m.metrics.RecordCredentialRequest(strconv.Itoa(status))
			return body, nil
		default:
			m.metrics.RecordCredentialRequest(strconv.Itoa(status))
			lastErr = &UpstreamError{Status: status, Body: string(body)}
			if !retryable(status) {
				return nil, lastErr
			}
			hint = retryAfter(header, time.Now())
		}
	}
	return nil, lastErr
}

func (m *UpstreamMinter) post(ctx context.Context, payload []byte) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("call sessions endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, resp.Header, nil
}
