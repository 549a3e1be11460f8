package telephony

import (
	"context"
	"log/slog"
	"strings"
)

// Controller layers the orchestrator's call operations over the raw client:
// each operation is an UpdateCall with the right TwiML. It owns the public
// URLs the provider calls back to.
type Controller struct {
	client *Client
	logger *slog.Logger

	streamURL     string // wss endpoint for media streams
	conferenceURL string // conference event callback
	statusURL     string // call status callback
	amdURL        string // answering-machine-detection callback
}

// NewController creates a controller. publicBaseURL is this service's
// externally reachable base (e.g. "https://calls.example.com").
func NewController(client *Client, publicBaseURL string, logger *slog.Logger) *Controller {
	base := strings.TrimRight(publicBaseURL, "/")
	return &Controller{
		client:        client,
		logger:        logger.With("subsystem", "telephony-controller"),
		streamURL:     toWebsocketURL(base) + "/twilio/stream",
		conferenceURL: base + "/twilio/conference",
		statusURL:     base + "/twilio/status",
		amdURL:        base + "/twilio/amd",
	}
}

// toWebsocketURL rewrites an http(s) base to its ws(s) equivalent.
func toWebsocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// PlaceCall places an outbound leg that connects straight to the AI media
// stream, with status and machine-detection callbacks registered.
func (c *Controller) PlaceCall(ctx context.Context, to string) (string, error) {
	return c.client.CreateCall(ctx, CreateCallParams{
		To:             to,
		TwiML:          ConnectStream(c.streamURL, nil),
		StatusCallback: c.statusURL,
		AMDCallback:    c.amdURL,
	})
}

// PlaceSalesCall places the sales leg. It starts on hold; the transfer
// coordinator moves it into a conference when the lead is ready.
func (c *Controller) PlaceSalesCall(ctx context.Context, to, greeting string) (string, error) {
	return c.client.CreateCall(ctx, CreateCallParams{
		To:             to,
		TwiML:          SayAndHold(greeting),
		StatusCallback: c.statusURL,
	})
}

// InboundStreamTwiML renders the connect-stream document returned to the
// provider when an inbound call hits the voice webhook.
func (c *Controller) InboundStreamTwiML() string {
	return ConnectStream(c.streamURL, nil)
}

// JoinConference moves a live call into the named conference room.
func (c *Controller) JoinConference(ctx context.Context, callID, room string) error {
	return c.client.UpdateCall(ctx, callID, DialConference(room, c.conferenceURL))
}

// EndCallWithMessage speaks a message on the call and hangs it up.
func (c *Controller) EndCallWithMessage(ctx context.Context, callID, message string) error {
	return c.client.UpdateCall(ctx, callID, SayAndHangup(message))
}

// HoldWithMessage speaks a message and keeps the call up.
func (c *Controller) HoldWithMessage(ctx context.Context, callID, message string) error {
	return c.client.UpdateCall(ctx, callID, SayAndHold(message))
}

// ReconnectToAgent sends a live call back to a fresh AI media stream. When
// transferFailed is set, the stream start event carries a marker so the AI
// can explain the delay.
func (c *Controller) ReconnectToAgent(ctx context.Context, callID string, transferFailed bool) error {
	var params map[string]string
	if transferFailed {
		params = map[string]string{"transferFailed": "true"}
	}
	return c.client.UpdateCall(ctx, callID, ConnectStream(c.streamURL, params))
}
