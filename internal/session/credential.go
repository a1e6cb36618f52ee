package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/parley-voice/parley/internal/shared"
)

const maxErrorBody = 4096

// CredentialSource issues ephemeral credentials for the negotiation call.
type CredentialSource interface {
	FetchCredential(ctx context.Context) (string, error)
}

// CredentialClient requests an ephemeral credential from the bootstrap
// endpoint.
type CredentialClient struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewCredentialClient(url string, timeout time.Duration, logger *zap.Logger) *CredentialClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CredentialClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type credentialResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// FetchCredential POSTs to the bootstrap endpoint with no body and returns
// client_secret.value from the response.
func (c *CredentialClient) FetchCredential(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return "", &shared.CredentialError{Reason: "build request", Err: err}
	}
	if id := shared.GetCorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &shared.CredentialError{Reason: "bootstrap endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &shared.CredentialError{Status: resp.StatusCode, Reason: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &shared.CredentialError{Status: resp.StatusCode, Reason: errorReason(body)}
	}

	var payload credentialResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &shared.CredentialError{Status: resp.StatusCode, Reason: "malformed response", Err: err}
	}
	if payload.ClientSecret == nil || payload.ClientSecret.Value == "" {
		return "", &shared.CredentialError{Status: resp.StatusCode, Reason: "response missing client_secret.value"}
	}

	c.logger.Debug("ephemeral credential issued",
		zap.Int64("expires_at", payload.ClientSecret.ExpiresAt),
	)
	return payload.ClientSecret.Value, nil
}

// errorReason prefers a JSON {"error": "..."} message over the raw body.
func errorReason(body []byte) string {
	var e struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && len(e.Error) > 0 {
		var s string
		if json.Unmarshal(e.Error, &s) == nil {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(e.Error, &obj) == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return truncate(strings.TrimSpace(string(body)), maxErrorBody)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
