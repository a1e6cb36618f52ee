package session

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/shared"
)

// Negotiator exchanges a local SDP offer for the upstream answer.
type Negotiator interface {
	Exchange(ctx context.Context, credential, offer string) (string, error)
}

// HTTPNegotiator POSTs the raw offer to the upstream realtime endpoint.
type HTTPNegotiator struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPNegotiator(baseURL, model string, timeout time.Duration, logger *zap.Logger) *HTTPNegotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNegotiator{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (n *HTTPNegotiator) endpoint() (string, error) {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return "", err
	}
	if n.model != "" {
		q := u.Query()
		q.Set("model", n.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Exchange returns the SDP answer. Non-2xx responses yield a
// NegotiationError carrying the upstream status and body verbatim.
func (n *HTTPNegotiator) Exchange(ctx context.Context, credential, offer string) (string, error) {
	endpoint, err := n.endpoint()
	if err != nil {
		return "", &shared.NegotiationError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", &shared.NegotiationError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	start := time.Now()
	resp, err := n.client.Do(req)
	if err != nil {
		return "", &shared.NegotiationError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &shared.NegotiationError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &shared.NegotiationError{Status: resp.StatusCode, Body: string(body)}
	}

	n.logger.Debug("sdp answer received",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return string(body), nil
}
