package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sharederrors "otto/internal/shared/errors"
	"otto/internal/shared/logging"
)

const defaultRESTTimeout = 30 * time.Second

// RESTClient performs authenticated JSON round-trips against one backend
// base URL. Both adapter variants share it; only the routes differ.
type RESTClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
}

// NewRESTClient builds a client for the given base URL. A nil http.Client
// falls back to a default with a 30s timeout; name prefixes log lines.
func NewRESTClient(name, baseURL, apiKey string, client *http.Client, logger logging.Logger) *RESTClient {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTTimeout}
	}
	return &RESTClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
		logger:     logging.OrNop(logger),
	}
}

// DoJSON performs one JSON request/response round-trip and classifies
// failures into the shared error taxonomy.
func (c *RESTClient) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("%s: close response body: %v", c.name, err)
		}
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ClassifyHTTPError(resp.StatusCode, payload)
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return sharederrors.Wrap(sharederrors.KindInvalidResponse, err, "decode response")
	}
	return nil
}

// ClassifyHTTPError maps a non-2xx response to the shared error taxonomy.
// Some deployments return credit exhaustion as a generic status with a
// marker in the body, so the body text is consulted too.
func ClassifyHTTPError(status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	base := fmt.Errorf("HTTP %d: %s", status, text)
	switch status {
	case http.StatusTooManyRequests:
		return sharederrors.Wrap(sharederrors.KindRateLimited, base, "backend rate limited")
	case http.StatusPaymentRequired:
		return sharederrors.Wrap(sharederrors.KindInsufficientCredits, base, "insufficient credits")
	case http.StatusUnauthorized, http.StatusForbidden:
		return sharederrors.Wrap(sharederrors.KindUnauthorized, base, "not authorized")
	default:
		if strings.Contains(text, "Credits required") {
			return sharederrors.Wrap(sharederrors.KindInsufficientCredits, base, "insufficient credits")
		}
		return base
	}
}
