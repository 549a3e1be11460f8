// Package telephony wraps the hosted telephony provider's REST API. The
// provider is a black box: calls are created and updated over HTTP, and all
// state changes come back as webhooks handled in internal/api.
package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is an HTTP client for the telephony provider's call API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	fromNumber string
	logger     *slog.Logger
}

// NewClient creates a telephony API client. baseURL is the provider API
// root (e.g. "https://api.twilio.com/2010-04-01").
func NewClient(baseURL, accountSID, authToken, fromNumber string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		logger:     logger.With("subsystem", "telephony-client"),
	}
}

// CreateCallParams describes an outbound call to place.
type CreateCallParams struct {
	To    string
	TwiML string
	// StatusCallback receives call lifecycle webhooks.
	StatusCallback string
	// AMDCallback receives the async answering-machine-detection result.
	// Machine detection is enabled whenever this is non-empty.
	AMDCallback string
}

// callResource is the subset of the provider's call resource we read.
type callResource struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// CreateCall places an outbound call and returns the provider-assigned call
// SID. The SID is the session key for everything that follows.
func (c *Client) CreateCall(ctx context.Context, p CreateCallParams) (string, error) {
	form := url.Values{}
	form.Set("To", p.To)
	form.Set("From", c.fromNumber)
	form.Set("Twiml", p.TwiML)
	if p.StatusCallback != "" {
		form.Set("StatusCallback", p.StatusCallback)
		form["StatusCallbackEvent"] = []string{"initiated", "ringing", "answered", "completed"}
	}
	if p.AMDCallback != "" {
		form.Set("MachineDetection", "Enable")
		form.Set("AsyncAmd", "true")
		form.Set("AsyncAmdStatusCallback", p.AMDCallback)
	}

	res, err := c.post(ctx, fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID), form)
	if err != nil {
		return "", err
	}
	if res.SID == "" {
		return "", fmt.Errorf("telephony: create call returned no sid")
	}

	c.logger.Info("outbound call created", "call_id", res.SID, "to", p.To)
	return res.SID, nil
}

// UpdateCall replaces the instructions of an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callID, twiml string) error {
	form := url.Values{}
	form.Set("Twiml", twiml)

	_, err := c.post(ctx, c.callURL(callID), form)
	return err
}

// EndCall terminates an in-progress call.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	form := url.Values{}
	form.Set("Status", "completed")

	_, err := c.post(ctx, c.callURL(callID), form)
	return err
}

func (c *Client) callURL(callID string) string {
	return fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callID))
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values) (*callResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("telephony: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("telephony: reading response: %w", err)
	}

	var res callResource
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if json.Unmarshal(body, &res) == nil && res.Message != "" {
			return nil, fmt.Errorf("telephony: provider error (status %d, code %d): %s", resp.StatusCode, res.Code, res.Message)
		}
		return nil, fmt.Errorf("telephony: provider returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("telephony: decoding response: %w", err)
	}
	return &res, nil
}
