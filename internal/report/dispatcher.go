package report

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bridgecall/bridgecall/internal/aivoice"
	"github.com/bridgecall/bridgecall/internal/callback"
	"github.com/bridgecall/bridgecall/internal/database"
	"github.com/bridgecall/bridgecall/internal/database/models"
	"github.com/bridgecall/bridgecall/internal/intent"
	"github.com/bridgecall/bridgecall/internal/session"
)

// dispatchTimeout bounds one dispatch run including the remote transcript
// and summary fetches and all webhook retries.
const dispatchTimeout = 2 * time.Minute

// TranscriptLine is one utterance in the report payload.
type TranscriptLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Payload is the report posted to the automation webhook for calls that
// need follow-up.
type Payload struct {
	// ReportID is unique per delivery attempt set so consumers can dedupe
	// webhook replays.
	ReportID            string                       `json:"report_id"`
	CallID              string                       `json:"call_id"`
	ConversationID      string                       `json:"conversation_id,omitempty"`
	IsVoicemail         bool                         `json:"is_voicemail"`
	SalesUnavailable    bool                         `json:"sales_unavailable"`
	Lead                session.LeadInfo             `json:"lead"`
	Transcripts         []TranscriptLine             `json:"transcripts"`
	Summary             string                       `json:"summary,omitempty"`
	CallbackPreferences []session.CallbackPreference `json:"callback_preferences,omitempty"`
	CallbackScheduled   bool                         `json:"callback_scheduled"`
	ManualFollowUp      bool                         `json:"manual_follow_up,omitempty"`
	Timestamp           time.Time                    `json:"timestamp"`
}

// ConversationFetcher retrieves post-call data from the AI provider.
// Satisfied by *aivoice.Client.
type ConversationFetcher interface {
	FetchTranscript(ctx context.Context, conversationID string) ([]aivoice.TranscriptEntry, error)
	FetchSummary(ctx context.Context, conversationID string) (string, error)
}

// Dispatcher assembles and delivers end-of-call reports. A call record row
// is persisted for every finished call; the webhook fires only for calls
// that hit voicemail or found the sales team unavailable.
type Dispatcher struct {
	registry *session.Registry
	ai       ConversationFetcher
	tracker  callback.Tracker
	records  database.CallRecordRepository
	client   *Client
	logger   *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates the report dispatcher.
func NewDispatcher(registry *session.Registry, ai ConversationFetcher, tracker callback.Tracker, records database.CallRecordRepository, client *Client, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		ai:       ai,
		tracker:  tracker,
		records:  records,
		client:   client,
		logger:   logger.With("subsystem", "report"),
	}
}

// Delivered returns the number of reports accepted by the webhook.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Failed returns the number of reports that exhausted their retries.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// DispatchCall schedules a dispatch run for the call. It returns
// immediately; both the relay shutdown path and the completed-status
// webhook call it, and the run itself dedupes.
func (d *Dispatcher) DispatchCall(callID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		d.Dispatch(ctx, callID)
	}()
}

// Dispatch runs one dispatch attempt synchronously. The run is a no-op
// unless the lead leg has reached a terminal status and no other run has
// claimed the call; the losing caller of two racing triggers backs off
// here rather than double-reporting.
func (d *Dispatcher) Dispatch(ctx context.Context, callID string) {
	s, ok := d.registry.Get(callID)
	if !ok {
		d.logger.Debug("dispatch for untracked call dropped", "call_id", callID)
		return
	}
	// A sales-leg trigger reports on behalf of its lead.
	if s.Role == session.RoleSales {
		if s.PairedID == "" {
			return
		}
		callID = s.PairedID
	}

	var claimed bool
	d.registry.Upsert(callID, func(s *session.Session) {
		if s.DispatchStarted || !s.Status.Terminal() {
			return
		}
		s.DispatchStarted = true
		claimed = true
	})
	if !claimed {
		// Either already reported or the call is still live. A live call
		// gets re-triggered by its terminal status webhook.
		return
	}

	lead, ok := d.registry.Get(callID)
	if !ok {
		return
	}

	payload := d.assemble(ctx, lead)
	payload.CallbackScheduled = d.scheduleCallback(ctx, lead)

	eligible := lead.Voicemail == session.VoicemailYes || lead.SalesUnavailable

	var delivered bool
	var deliverErr error
	if eligible {
		if d.client.Configured() {
			deliverErr = d.client.Deliver(ctx, payload)
			delivered = deliverErr == nil
		} else {
			d.logger.Warn("report eligible but no webhook configured", "call_id", callID)
		}
		if delivered {
			d.delivered.Add(1)
		} else {
			d.failed.Add(1)
		}
	} else {
		d.logger.Debug("call not eligible for reporting",
			"call_id", callID,
			"transfer_state", lead.TransferState.String(),
		)
	}

	d.persistRecord(ctx, lead, payload, eligible, delivered, deliverErr)

	d.registry.Upsert(callID, func(s *session.Session) {
		s.DispatchDone = true
	})

	d.logger.Info("call dispatch finished",
		"call_id", callID,
		"eligible", eligible,
		"delivered", delivered,
		"transcript_lines", len(payload.Transcripts),
	)
}

// assemble builds the report payload from the session snapshot, preferring
// locally buffered transcripts and falling back to the provider only when
// the local buffer is empty.
func (d *Dispatcher) assemble(ctx context.Context, lead *session.Session) *Payload {
	payload := &Payload{
		ReportID:            uuid.NewString(),
		CallID:              lead.ID,
		ConversationID:      lead.ConversationID,
		IsVoicemail:         lead.Voicemail == session.VoicemailYes,
		SalesUnavailable:    lead.SalesUnavailable,
		Lead:                lead.Lead,
		CallbackPreferences: lead.CallbackPrefs,
		ManualFollowUp:      lead.ManualFollowUp,
		Timestamp:           time.Now().UTC(),
	}

	for _, t := range lead.Transcripts {
		payload.Transcripts = append(payload.Transcripts, TranscriptLine{
			Speaker: string(t.Speaker),
			Text:    t.Text,
		})
	}

	if len(payload.Transcripts) == 0 && lead.ConversationID != "" {
		entries, err := d.ai.FetchTranscript(ctx, lead.ConversationID)
		if err != nil {
			d.logger.Warn("remote transcript fetch failed",
				"call_id", lead.ID,
				"conversation_id", lead.ConversationID,
				"error", err,
			)
		}
		for _, e := range entries {
			speaker := string(session.SpeakerAI)
			if e.Role == "user" {
				speaker = string(session.SpeakerLead)
			}
			payload.Transcripts = append(payload.Transcripts, TranscriptLine{
				Speaker: speaker,
				Text:    e.Message,
			})
		}
	}

	if lead.ConversationID != "" {
		summary, err := d.ai.FetchSummary(ctx, lead.ConversationID)
		if err != nil {
			d.logger.Warn("summary fetch failed",
				"call_id", lead.ID,
				"conversation_id", lead.ConversationID,
				"error", err,
			)
		}
		payload.Summary = summary
	}

	return payload
}

// scheduleCallback makes the once-guarded best-effort attempt to record a
// redial when the lead asked for one and the pipeline has not already done
// so mid-call. Returns whether a callback is tracked for this call.
func (d *Dispatcher) scheduleCallback(ctx context.Context, lead *session.Session) bool {
	if lead.CallbackScheduled {
		return true
	}
	if len(lead.CallbackPrefs) == 0 {
		return false
	}

	var claim bool
	d.registry.Upsert(lead.ID, func(s *session.Session) {
		if !s.CallbackScheduled {
			s.CallbackScheduled = true
			claim = true
		}
	})
	if !claim {
		return true
	}

	pref := lead.CallbackPrefs[len(lead.CallbackPrefs)-1]
	err := d.tracker.TrackCall(ctx, lead.ID, lead.ID, callback.CallContext{
		PhoneNumber:   lead.Lead.PhoneNumber,
		LeadName:      lead.Lead.Name,
		CareReason:    lead.Lead.CareReason,
		CareRecipient: lead.Lead.CareRecipient,
		CallbackTime: intent.TimeReference{
			HasTimeReference: true,
			Days:             pref.Days,
			Times:            pref.Times,
			Relative:         pref.Relative,
			Periods:          pref.Periods,
		},
	})
	if err != nil {
		d.logger.Error("post-call callback tracking failed", "call_id", lead.ID, "error", err)
	}
	return true
}

// persistRecord writes the call record row. Persistence failures are
// logged only; the report already went out (or was skipped) by the time
// this runs.
func (d *Dispatcher) persistRecord(ctx context.Context, lead *session.Session, payload *Payload, eligible, delivered bool, deliverErr error) {
	transcripts, err := json.Marshal(payload.Transcripts)
	if err != nil {
		d.logger.Error("encoding transcripts for call record", "call_id", lead.ID, "error", err)
		transcripts = []byte("[]")
	}

	rec := &models.CallRecord{
		CallID:         lead.ID,
		SalesCallID:    lead.PairedID,
		ConversationID: lead.ConversationID,
		Disposition:    string(lead.Status),
		TransferState:  lead.TransferState.String(),
		IsVoicemail:    payload.IsVoicemail,
		SalesUnavail:   payload.SalesUnavailable,
		LeadName:       lead.Lead.Name,
		LeadPhone:      lead.Lead.PhoneNumber,
		CareReason:     lead.Lead.CareReason,
		CareRecipient:  lead.Lead.CareRecipient,
		Transcripts:    string(transcripts),
		Summary:        payload.Summary,
		Reported:       delivered,
		StartedAt:      lead.CreatedAt,
		EndedAt:        lead.EndedAt,
	}
	if eligible && deliverErr != nil {
		rec.ReportError = deliverErr.Error()
	}

	if err := d.records.Create(ctx, rec); err != nil {
		d.logger.Error("persisting call record failed", "call_id", lead.ID, "error", err)
	}
}
