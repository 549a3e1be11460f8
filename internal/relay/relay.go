// Package relay bridges one telephony media stream to one AI conversation
// socket. Each accepted stream gets its own Relay; relays for different
// calls never block on each other.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bridgecall/bridgecall/internal/aivoice"
	"github.com/bridgecall/bridgecall/internal/pipeline"
	"github.com/bridgecall/bridgecall/internal/session"
)

// State is the relay lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransferControl is the transfer coordinator surface the relay needs.
type TransferControl interface {
	Trigger(ctx context.Context, callID string)
	Cancel(callID string)
}

// ReportScheduler schedules the end-of-call report. Implementations must
// guard against duplicate scheduling themselves.
type ReportScheduler interface {
	DispatchCall(callID string)
}

// streamEvent is the telephony media-stream envelope.
type streamEvent struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// Relay owns exactly two sockets: the telephony media stream and the AI
// conversation socket for one call.
type Relay struct {
	registry *session.Registry
	ai       *aivoice.Client
	pipe     *pipeline.Pipeline
	transfer TransferControl
	reports  ReportScheduler
	factory  *Factory
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	callID   string
	streamID string
	agent    *aivoice.Conversation

	telConn    *websocket.Conn
	telWriteMu sync.Mutex

	closeOnce sync.Once
}

// Run drives the relay until the telephony socket closes or errors. It
// always leaves both sockets closed and the report scheduled.
func (r *Relay) Run(ctx context.Context, conn *websocket.Conn) {
	r.mu.Lock()
	r.telConn = conn
	r.mu.Unlock()

	defer r.shutdown()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("telephony stream closed", "call_id", r.currentCallID(), "error", err)
			return
		}

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// Malformed frames are dropped; they must never take the
			// relay down.
			r.logger.Warn("malformed stream event dropped", "call_id", r.currentCallID(), "error", err)
			continue
		}

		switch ev.Event {
		case "connected":
			// Handshake preamble, nothing to do.
		case "start":
			r.handleStart(ctx, &ev)
		case "media":
			r.handleMedia(ctx, &ev)
		case "stop":
			return
		}
	}
}

func (r *Relay) currentCallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callID
}

// handleStart captures stream identity and brings up the AI leg.
func (r *Relay) handleStart(ctx context.Context, ev *streamEvent) {
	if ev.Start == nil || ev.Start.CallSID == "" {
		r.logger.Warn("start event without call sid dropped")
		return
	}

	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return
	}
	r.state = StateConnecting
	r.callID = ev.Start.CallSID
	r.streamID = ev.Start.StreamSID
	r.mu.Unlock()

	callID := ev.Start.CallSID
	r.logger = r.logger.With("call_id", callID)

	var lead session.LeadInfo
	var voicemailKnown bool
	r.registry.Upsert(callID, func(s *session.Session) {
		s.StreamID = ev.Start.StreamSID
		lead = s.Lead
		voicemailKnown = s.Voicemail == session.VoicemailYes
	})

	transferFailed := ev.Start.CustomParameters["transferFailed"] == "true"

	signedURL, err := r.ai.SignedURL(ctx)
	if err != nil {
		r.logger.Error("signed url fetch failed", "error", err)
		r.shutdown()
		return
	}

	agent, err := aivoice.Dial(ctx, signedURL)
	if err != nil {
		r.logger.Error("ai socket dial failed", "error", err)
		r.shutdown()
		return
	}

	if err := agent.SendInit(buildInit(lead, voicemailKnown, transferFailed)); err != nil {
		r.logger.Error("ai init message failed", "error", err)
		agent.Close()
		r.shutdown()
		return
	}

	r.mu.Lock()
	if r.state != StateConnecting {
		// Shut down while we were dialing.
		r.mu.Unlock()
		agent.Close()
		return
	}
	r.agent = agent
	r.state = StateOpen
	r.mu.Unlock()

	if r.factory != nil {
		r.factory.register(callID, r)
	}
	r.logger.Info("relay open", "stream_id", ev.Start.StreamSID)

	go r.agentLoop(ctx, agent)
}

// handleMedia applies the relay guards in order, then forwards the audio
// chunk to the AI leg.
func (r *Relay) handleMedia(ctx context.Context, ev *streamEvent) {
	callID := r.currentCallID()
	if callID == "" || ev.Media == nil {
		// Media can race the start event; frames before setup are dropped.
		return
	}

	s, ok := r.registry.Get(callID)
	if !ok {
		return
	}

	// (a) Call handed to a human conference: the AI must stop listening.
	if s.TransferState == session.TransferComplete {
		r.closeAgent()
		return
	}

	// (b) One-time unavailable notice, before relaying the chunk.
	if s.SalesUnavailable && !s.Flags.UnavailableSent {
		notify := false
		r.registry.Upsert(callID, func(s *session.Session) {
			if !s.Flags.UnavailableSent {
				s.Flags.UnavailableSent = true
				notify = true
			}
		})
		if notify {
			if err := r.SendInstruction(ctx, pipeline.UnavailableInstruction()); err != nil {
				r.logger.Error("unavailable instruction failed", "error", err)
			}
		}
	}

	// (c) Forward the audio. The payload is already base64 on the wire.
	agent := r.agentConn()
	if agent == nil {
		return
	}
	if err := agent.SendAudioChunkBase64(ev.Media.Payload); err != nil {
		r.logger.Debug("audio forward failed", "error", err)
	}
}

// agentLoop consumes the AI socket until it closes, branching on message
// type. Per-message errors are logged and skipped.
func (r *Relay) agentLoop(ctx context.Context, agent *aivoice.Conversation) {
	defer r.shutdown()

	callID := r.currentCallID()
	for {
		data, err := agent.Read()
		if err != nil {
			r.logger.Debug("ai socket closed", "error", err)
			return
		}

		msg, err := aivoice.ParseServerMessage(data)
		if err != nil {
			r.logger.Warn("malformed ai message dropped", "error", err)
			continue
		}

		switch msg.Type {
		case aivoice.TypeAudio:
			r.writeMedia(msg.AudioEvent.AudioBase64)
		case aivoice.TypeInterruption:
			r.writeClear()
		case aivoice.TypeUserTranscript:
			text := msg.UserTranscriptionEvent.UserTranscript
			r.registry.Upsert(callID, func(s *session.Session) {
				s.AppendTranscript(session.SpeakerLead, text)
			})
			r.pipe.HandleTranscript(ctx, r, callID, text)
		case aivoice.TypeAgentResponse:
			r.registry.Upsert(callID, func(s *session.Session) {
				s.AppendTranscript(session.SpeakerAI, msg.AgentResponseEvent.AgentResponse)
			})
		case aivoice.TypeConversationMeta:
			convID := msg.ConversationMetadataEvent.ConversationID
			r.registry.Upsert(callID, func(s *session.Session) {
				if s.ConversationID == "" {
					s.ConversationID = convID
				}
			})
			r.logger.Info("conversation id captured", "conversation_id", convID)
		case aivoice.TypePing:
			if err := agent.SendPong(msg.PingEvent.EventID); err != nil {
				r.logger.Debug("pong failed", "error", err)
			}
		default:
			// Lifecycle chatter (speech started/ended and similar) needs
			// no bookkeeping here.
		}
	}
}

// SendInstruction implements pipeline.AgentLink for this call.
func (r *Relay) SendInstruction(_ context.Context, text string) error {
	agent := r.agentConn()
	if agent == nil {
		return fmt.Errorf("relay: ai socket not open")
	}
	return agent.SendContextualUpdate(text)
}

func (r *Relay) agentConn() *aivoice.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent
}

// closeAgent shuts only the AI side, leaving the telephony stream up (used
// once a transfer completes and the humans are talking).
func (r *Relay) closeAgent() {
	r.mu.Lock()
	agent := r.agent
	r.agent = nil
	r.mu.Unlock()
	if agent != nil {
		agent.Close()
		r.logger.Info("ai leg closed after transfer completion")
	}
}

// writeMedia relays an AI audio chunk to the telephony stream.
func (r *Relay) writeMedia(payload string) {
	r.mu.Lock()
	streamID := r.streamID
	conn := r.telConn
	r.mu.Unlock()
	if conn == nil || streamID == "" {
		return
	}

	frame := map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media":     map[string]string{"payload": payload},
	}
	r.writeTelephony(conn, frame)
}

// writeClear tells the telephony side to drop buffered audio after an
// interruption.
func (r *Relay) writeClear() {
	r.mu.Lock()
	streamID := r.streamID
	conn := r.telConn
	r.mu.Unlock()
	if conn == nil {
		return
	}

	frame := map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	}
	r.writeTelephony(conn, frame)
}

func (r *Relay) writeTelephony(conn *websocket.Conn, frame any) {
	r.telWriteMu.Lock()
	defer r.telWriteMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		r.logger.Debug("telephony write failed", "error", err)
	}
}

// shutdown closes both sockets, cancels any pending transfer fallback for
// this call, and schedules the end-of-call report. Idempotent.
func (r *Relay) shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.state = StateClosing
		agent := r.agent
		r.agent = nil
		conn := r.telConn
		callID := r.callID
		r.mu.Unlock()

		if agent != nil {
			agent.Close()
		}
		if conn != nil {
			conn.Close()
		}

		if callID != "" {
			r.transfer.Cancel(callID)
			if r.factory != nil {
				r.factory.unregister(callID, r)
			}
			r.reports.DispatchCall(callID)
		}

		r.mu.Lock()
		r.state = StateClosed
		r.mu.Unlock()

		r.logger.Info("relay closed", "call_id", callID)
	})
}

// buildInit assembles the one-time AI initialization message from what is
// known about the lead when the stream starts.
func buildInit(lead session.LeadInfo, voicemailKnown, transferFailed bool) aivoice.InitConfig {
	prompt := "You are a warm, professional care coordinator calling on behalf of a home-care service. " +
		"Keep responses short and conversational. Never claim to be human."
	if lead.CareReason != "" {
		prompt += " The caller inquired about: " + lead.CareReason + "."
	}
	if voicemailKnown {
		prompt += " This call has reached voicemail: leave one brief, friendly message and end the call."
	}
	if transferFailed {
		prompt += " A transfer to a team member just failed; apologize briefly for the wait and continue helping."
	}

	first := "Hello! I'm calling from the care team."
	switch {
	case lead.Name != "" && lead.CareRecipient != "":
		first = fmt.Sprintf("Hello %s! I'm calling about the care inquiry for %s. Is now a good time?", lead.Name, lead.CareRecipient)
	case lead.Name != "":
		first = fmt.Sprintf("Hello %s! I'm following up on your care inquiry. Is now a good time?", lead.Name)
	}

	return aivoice.InitConfig{
		SystemPrompt: prompt,
		FirstMessage: first,
		// Wait briefly for the far end to speak so the agent does not
		// talk over an answering-machine greeting.
		WaitForUserSpeech: true,
	}
}
