package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/parley-voice/parley/internal/storage"
)

// APIClient reads reports from a running bootstrap server.
type APIClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewAPIClient(baseURL, authToken string) *APIClient {
	return &APIClient{
		baseURL:   baseURL,
		authToken: authToken,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// UsageReport is the body of GET /api/usage.
type UsageReport struct {
	Data []storage.DailySummary `json:"data"`
	Meta struct {
		Total int `json:"total"`
		Days  int `json:"days"`
	} `json:"meta"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Usage fetches the daily report. An empty user means the server's
// configured user.
func (c *APIClient) Usage(ctx context.Context, days int, user string) (*UsageReport, error) {
	q := url.Values{}
	q.Set("days", strconv.Itoa(days))
	if user != "" {
		q.Set("user", user)
	}
	body, err := c.get(ctx, "/api/usage?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var report UsageReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &report, nil
}

func (c *APIClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, body)
	}
	return body, nil
}

func parseError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("authentication failed. Check your auth token")
	}
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("server error (status %d)", status)
	}
	if status == http.StatusServiceUnavailable {
		return fmt.Errorf("service unavailable: %s", apiErr.Error)
	}
	return fmt.Errorf("server error: %s", apiErr.Error)
}
