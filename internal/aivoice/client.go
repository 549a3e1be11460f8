// Package aivoice wraps the conversational-AI provider: signed-URL
// issuance, the per-call conversation websocket, and the post-call REST
// endpoints for transcripts and summaries.
package aivoice

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

// Client is an HTTP client for the AI provider's REST surface.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	agentID    string
	logger     *slog.Logger
}

// NewClient creates an AI provider client. baseURL is the provider API root
// (e.g. "https://api.elevenlabs.io").
func NewClient(baseURL, apiKey, agentID string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		agentID:    agentID,
		logger:     logger.With("subsystem", "aivoice-client"),
	}
}

// SignedURL fetches a signed, single-use websocket URL for one conversation.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s",
		c.baseURL, url.QueryEscape(c.agentID))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var res struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("aivoice: decoding signed url response: %w", err)
	}
	if res.SignedURL == "" {
		return "", fmt.Errorf("aivoice: empty signed url")
	}
	return res.SignedURL, nil
}

// TranscriptEntry is one remote-side transcript line.
type TranscriptEntry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// conversationResource is the subset of the provider's conversation
// resource we read after the call.
type conversationResource struct {
	Transcript []TranscriptEntry `json:"transcript"`
	Analysis   struct {
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
}

// FetchTranscript retrieves the provider-side transcript for a finished
// conversation.
func (c *Client) FetchTranscript(ctx context.Context, conversationID string) ([]TranscriptEntry, error) {
	res, err := c.fetchConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return res.Transcript, nil
}

// FetchSummary retrieves the provider-generated call summary. An empty
// string with nil error means the provider has not produced one.
func (c *Client) FetchSummary(ctx context.Context, conversationID string) (string, error) {
	res, err := c.fetchConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return res.Analysis.TranscriptSummary, nil
}

func (c *Client) fetchConversation(ctx context.Context, conversationID string) (*conversationResource, error) {
	endpoint := fmt.Sprintf("%s/v1/convai/conversations/%s", c.baseURL, url.PathEscape(conversationID))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var res conversationResource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("aivoice: decoding conversation: %w", err)
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("aivoice: creating request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aivoice: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("aivoice: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aivoice: provider returned status %d", resp.StatusCode)
	}
	return body, nil
}
