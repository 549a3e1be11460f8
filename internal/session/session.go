package session

import (
	"time"
)

// Role identifies which leg of a paired call transaction a session represents.
type Role string

const (
	RoleLead  Role = "lead"
	RoleSales Role = "sales"
)

// Status is the provider-reported lifecycle status of one call leg.
// The set is closed; unknown strings from the provider are ignored.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusBusy       Status = "busy"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no-answer"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the status is final. Once a session reaches a
// terminal status, further status writes are rejected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	default:
		return false
	}
}

// ParseStatus maps a provider status string onto the closed Status set.
func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusInitiated, StatusRinging, StatusAnswered, StatusInProgress,
		StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return Status(raw), true
	default:
		return "", false
	}
}

// TransferState tracks the conference handoff progress for a call leg.
type TransferState int

const (
	TransferNotStarted TransferState = iota
	TransferInitiated
	TransferAwaitingJoin
	TransferComplete
	TransferFailed
)

func (t TransferState) String() string {
	switch t {
	case TransferNotStarted:
		return "not-started"
	case TransferInitiated:
		return "initiated"
	case TransferAwaitingJoin:
		return "awaiting-join"
	case TransferComplete:
		return "complete"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Voicemail is a tri-state flag. It starts Unknown and, once Yes, never
// reverts within the session's life.
type Voicemail int

const (
	VoicemailUnknown Voicemail = iota
	VoicemailNo
	VoicemailYes
)

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerLead Speaker = "lead"
	SpeakerAI   Speaker = "ai"
)

// Transcript is one utterance captured during the call.
type Transcript struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// PrimaryIntent is the highest-confidence intent seen so far.
type PrimaryIntent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// CallbackPreference records one detected callback-time request.
type CallbackPreference struct {
	Days             []string  `json:"days,omitempty"`
	Times            []string  `json:"times,omitempty"`
	Relative         []string  `json:"relative,omitempty"`
	Periods          []string  `json:"periods,omitempty"`
	FromIntent       bool      `json:"from_intent"`
	SalesUnavailable bool      `json:"sales_unavailable"`
	DetectedAt       time.Time `json:"detected_at"`
}

// Conference is present once a transfer conference room has been created.
type Conference struct {
	RoomName    string
	LeadJoined  bool
	SalesJoined bool
	CreatedAt   time.Time
}

// LeadInfo carries the caller context passed through to the AI leg and into
// post-call reporting.
type LeadInfo struct {
	PhoneNumber   string `json:"phone_number"`
	Name          string `json:"name,omitempty"`
	CareReason    string `json:"care_reason,omitempty"`
	CareRecipient string `json:"care_recipient,omitempty"`
}

// InstructionFlags guard at-most-once delivery of AI-leg instructions.
// Each flag, once set, is never cleared within the session.
type InstructionFlags struct {
	UnavailableSent     bool
	TimePromptSent      bool
	VoicemailNoticeSent bool
	SalesHoldNotified   bool
}

// Session is the per-leg call state. All mutation goes through the
// Registry's Upsert; components must never retain a mutable reference.
type Session struct {
	ID       string
	Role     Role
	Status   Status
	PairedID string

	Voicemail     Voicemail
	TransferState TransferState
	Conference    *Conference

	Transcripts   []Transcript
	Intents       map[string]struct{}
	Primary       *PrimaryIntent
	CallbackPrefs []CallbackPreference
	Flags         InstructionFlags

	// ConversationID is assigned once the AI leg acknowledges connection.
	ConversationID string
	StreamID       string

	Lead              LeadInfo
	SalesUnavailable  bool
	CallbackScheduled bool
	ManualFollowUp    bool

	// DispatchStarted/DispatchDone guard the end-of-call report.
	DispatchStarted bool
	DispatchDone    bool

	CreatedAt time.Time
	EndedAt   time.Time
}

// ApplyStatus records a provider status change. Writes after a terminal
// status are rejected; the last accepted write wins otherwise.
func (s *Session) ApplyStatus(st Status) bool {
	if s.Status.Terminal() {
		return false
	}
	s.Status = st
	if st.Terminal() && s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
	}
	return true
}

// MarkVoicemail sets the voicemail flag. It reports whether the flag was
// newly set; once Yes the flag never reverts.
func (s *Session) MarkVoicemail() bool {
	if s.Voicemail == VoicemailYes {
		return false
	}
	s.Voicemail = VoicemailYes
	return true
}

// RecordIntent merges a detected intent into the session's intent state,
// replacing the primary intent when the new confidence is higher.
func (s *Session) RecordIntent(name string, confidence float64) {
	if s.Intents == nil {
		s.Intents = make(map[string]struct{})
	}
	s.Intents[name] = struct{}{}
	if s.Primary == nil || confidence > s.Primary.Confidence {
		s.Primary = &PrimaryIntent{Name: name, Confidence: confidence}
	}
}

// AppendTranscript appends one utterance to the transcript log.
func (s *Session) AppendTranscript(sp Speaker, text string) {
	s.Transcripts = append(s.Transcripts, Transcript{Speaker: sp, Text: text, At: time.Now()})
}

// LastHumanTranscripts returns up to n most recent lead-spoken lines,
// oldest first.
func (s *Session) LastHumanTranscripts(n int) []string {
	var out []string
	for i := len(s.Transcripts) - 1; i >= 0 && len(out) < n; i-- {
		if s.Transcripts[i].Speaker == SpeakerLead {
			out = append(out, s.Transcripts[i].Text)
		}
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// clone returns a deep copy safe to hand outside the registry lock.
func (s *Session) clone() *Session {
	c := *s
	if s.Conference != nil {
		conf := *s.Conference
		c.Conference = &conf
	}
	if s.Primary != nil {
		p := *s.Primary
		c.Primary = &p
	}
	c.Transcripts = append([]Transcript(nil), s.Transcripts...)
	c.CallbackPrefs = append([]CallbackPreference(nil), s.CallbackPrefs...)
	if s.Intents != nil {
		c.Intents = make(map[string]struct{}, len(s.Intents))
		for k := range s.Intents {
			c.Intents[k] = struct{}{}
		}
	}
	return &c
}
