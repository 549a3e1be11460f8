package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client delivers assembled call reports to the automation webhook via
// HTTP POST. Delivery is retried a configurable number of times; all
// failures are logged by the caller, never surfaced to call handling.
type Client struct {
	httpClient *http.Client
	webhookURL string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a webhook delivery client. webhookURL may be empty,
// in which case Configured reports false and delivery is skipped.
func NewClient(webhookURL string, retries int, retryDelay, timeout time.Duration, logger *slog.Logger) *Client {
	if retries < 1 {
		retries = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		webhookURL: webhookURL,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger.With("subsystem", "report-client"),
	}
}

// Configured returns true if the client has a webhook URL to deliver to.
func (c *Client) Configured() bool {
	return c.webhookURL != ""
}

// Deliver posts the payload, retrying on any transport error or non-2xx
// status. The last error is returned after the retry budget is spent.
func (c *Client) Deliver(ctx context.Context, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("report: marshalling payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		lastErr = c.post(ctx, body)
		if lastErr == nil {
			c.logger.Debug("report delivered",
				"call_id", payload.CallID,
				"attempt", attempt,
			)
			return nil
		}
		c.logger.Warn("report delivery attempt failed",
			"call_id", payload.CallID,
			"attempt", attempt,
			"error", lastErr,
		)
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(respBody) > 0 {
			return fmt.Errorf("report: webhook returned status %d: %s", resp.StatusCode, respBody)
		}
		return fmt.Errorf("report: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
