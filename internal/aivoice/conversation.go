package aivoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Server message types emitted on the conversation socket.
const (
	TypeAudio            = "audio"
	TypeUserTranscript   = "user_transcript"
	TypeAgentResponse    = "agent_response"
	TypeInterruption     = "interruption"
	TypePing             = "ping"
	TypeConversationMeta = "conversation_initiation_metadata"
)

// ServerMessage is the decoded envelope of one message from the AI leg.
// Only the fields for the message's Type are populated.
type ServerMessage struct {
	Type string `json:"type"`

	AudioEvent struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event"`

	UserTranscriptionEvent struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	AgentResponseEvent struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	PingEvent struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`

	ConversationMetadataEvent struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
}

// ParseServerMessage decodes a raw socket frame. Unknown types are returned
// as-is; the caller decides whether to ignore them.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("aivoice: decoding server message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("aivoice: server message has no type")
	}
	return &msg, nil
}

// InitConfig is the one-time initialization message sent when the socket
// opens. WaitForUserSpeech tells the agent to hold its greeting briefly so
// it does not talk over an answering-machine greeting.
type InitConfig struct {
	SystemPrompt      string
	FirstMessage      string
	WaitForUserSpeech bool
}

// Conversation is one live AI-leg websocket. Writes are serialized through
// a mutex; Close is idempotent.
type Conversation struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens the conversation socket using a signed URL from SignedURL.
func Dial(ctx context.Context, signedURL string) (*Conversation, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("aivoice: dialing conversation socket: %w", err)
	}
	return &Conversation{conn: conn}, nil
}

// SendInit sends the conversation initialization message.
func (c *Conversation) SendInit(cfg InitConfig) error {
	type prompt struct {
		Prompt string `json:"prompt"`
	}
	msg := map[string]any{
		"type": "conversation_initiation_client_data",
		"conversation_config_override": map[string]any{
			"agent": map[string]any{
				"prompt":               prompt{Prompt: cfg.SystemPrompt},
				"first_message":        cfg.FirstMessage,
				"wait_for_user_speech": cfg.WaitForUserSpeech,
			},
		},
	}
	return c.writeJSON(msg)
}

// SendAudioChunk forwards one chunk of caller audio to the agent.
func (c *Conversation) SendAudioChunk(audio []byte) error {
	return c.writeJSON(map[string]any{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(audio),
	})
}

// SendAudioChunkBase64 forwards caller audio that is already base64-encoded
// (the telephony media stream delivers it that way).
func (c *Conversation) SendAudioChunkBase64(encoded string) error {
	return c.writeJSON(map[string]any{
		"user_audio_chunk": encoded,
	})
}

// SendContextualUpdate pushes a mid-conversation instruction to the agent.
func (c *Conversation) SendContextualUpdate(text string) error {
	return c.writeJSON(map[string]any{
		"type": "contextual_update",
		"text": text,
	})
}

// SendPong answers a provider keep-alive ping.
func (c *Conversation) SendPong(eventID int) error {
	return c.writeJSON(map[string]any{
		"type":     "pong",
		"event_id": eventID,
	})
}

// Read blocks for the next raw frame from the agent.
func (c *Conversation) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close shuts the socket down. Safe to call from multiple goroutines.
func (c *Conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Conversation) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
