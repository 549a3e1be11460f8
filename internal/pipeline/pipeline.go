// Package pipeline turns lead transcripts into session intent state and
// decides which instructions, if any, are pushed back to the AI leg.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bridgecall/bridgecall/internal/callback"
	"github.com/bridgecall/bridgecall/internal/intent"
	"github.com/bridgecall/bridgecall/internal/session"
)

// AgentLink pushes an instruction to the AI leg of one call. The relay for
// the call implements it.
type AgentLink interface {
	SendInstruction(ctx context.Context, text string) error
}

// TransferTrigger re-evaluates transfer readiness after intent state moves.
type TransferTrigger interface {
	Trigger(ctx context.Context, callID string)
}

// SalesNotifier plays a short hold message on the sales leg.
type SalesNotifier interface {
	HoldWithMessage(ctx context.Context, callID, message string) error
}

// voicemailPhrases are scanned in every lead transcript, independent of
// intent classification. Case-insensitive substring match.
var voicemailPhrases = []string{
	"leave a message",
	"leave your name",
	"not available",
	"after the tone",
	"after the beep",
	"at the tone",
	"unable to take your call",
}

// Pipeline consumes lead-spoken transcript events for a call and updates the
// session through the registry. One Pipeline serves all calls; per-call state
// lives in the registry only.
type Pipeline struct {
	registry *session.Registry
	tracker  callback.Tracker
	transfer TransferTrigger
	notifier SalesNotifier
	logger   *slog.Logger
}

// New creates the intent pipeline.
func New(registry *session.Registry, tracker callback.Tracker, transfer TransferTrigger, notifier SalesNotifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry: registry,
		tracker:  tracker,
		transfer: transfer,
		notifier: notifier,
		logger:   logger.With("subsystem", "intent-pipeline"),
	}
}

// HandleTranscript processes one lead utterance. Errors from downstream
// (instruction sends, tracker) are logged and swallowed: a faulty message
// must never take down the relay for this or any other call.
func (p *Pipeline) HandleTranscript(ctx context.Context, link AgentLink, callID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	match := intent.DetectIntent(text)

	var salesUnavailable bool
	ok := p.registry.Upsert(callID, func(s *session.Session) {
		s.RecordIntent(match.Category, match.Confidence)
		salesUnavailable = s.SalesUnavailable
	})
	if !ok {
		// Untracked call: a transcript raced call teardown. No-op.
		p.logger.Debug("transcript for untracked call dropped", "call_id", callID)
		return
	}

	p.logger.Debug("intent detected",
		"call_id", callID,
		"category", match.Category,
		"confidence", match.Confidence,
	)

	if match.Category == intent.CategoryScheduleCallback || salesUnavailable {
		p.handleCallbackTime(ctx, link, callID, text, match.Category == intent.CategoryScheduleCallback, salesUnavailable)
	}

	p.scanVoicemail(ctx, link, callID, text)

	// A newly positive intent can unblock a transfer that status changes
	// alone did not trigger.
	p.transfer.Trigger(ctx, callID)
}

// handleCallbackTime extracts a requested callback time from the utterance
// and either records it or, once per session, prompts the lead for one.
func (p *Pipeline) handleCallbackTime(ctx context.Context, link AgentLink, callID, text string, fromIntent, salesUnavailable bool) {
	ref := intent.DetectCallbackTime(text)

	if ref == nil {
		var prompt bool
		p.registry.Upsert(callID, func(s *session.Session) {
			if !s.Flags.TimePromptSent && !s.CallbackScheduled {
				s.Flags.TimePromptSent = true
				prompt = true
			}
		})
		if prompt {
			p.send(ctx, link, callID, "Ask the caller what day and time would work best for a callback.")
		}
		return
	}

	pref := session.CallbackPreference{
		Days:             ref.Days,
		Times:            ref.Times,
		Relative:         ref.Relative,
		Periods:          ref.Periods,
		FromIntent:       fromIntent,
		SalesUnavailable: salesUnavailable,
		DetectedAt:       time.Now(),
	}

	var (
		scheduled bool
		lead      session.LeadInfo
	)
	p.registry.Upsert(callID, func(s *session.Session) {
		s.CallbackPrefs = append(s.CallbackPrefs, pref)
		if !s.CallbackScheduled {
			s.CallbackScheduled = true
			scheduled = true
		}
		lead = s.Lead
	})

	if scheduled {
		err := p.tracker.TrackCall(ctx, callID, callID, callback.CallContext{
			PhoneNumber:   lead.PhoneNumber,
			LeadName:      lead.Name,
			CareReason:    lead.CareReason,
			CareRecipient: lead.CareRecipient,
			CallbackTime:  *ref,
		})
		if err != nil {
			p.logger.Error("callback tracking failed", "call_id", callID, "error", err)
		}
	}

	// The "unavailable" instruction already acknowledges the callback when
	// the sales side is down; only confirm explicitly when it is not.
	if scheduled && !salesUnavailable {
		p.send(ctx, link, callID, fmt.Sprintf(
			"Confirm to the caller that the team will call back %s.", describeTime(ref)))
	}
}

// scanVoicemail flags the session and redirects the AI leg the first time a
// voicemail greeting phrase shows up in the transcript.
func (p *Pipeline) scanVoicemail(ctx context.Context, link AgentLink, callID, text string) {
	lower := strings.ToLower(text)
	found := false
	for _, phrase := range voicemailPhrases {
		if strings.Contains(lower, phrase) {
			found = true
			break
		}
	}
	if !found {
		return
	}

	var (
		newlyFlagged bool
		notice       bool
		lead         session.LeadInfo
		pairedID     string
	)
	p.registry.Upsert(callID, func(s *session.Session) {
		newlyFlagged = s.MarkVoicemail()
		if newlyFlagged && !s.Flags.VoicemailNoticeSent {
			s.Flags.VoicemailNoticeSent = true
			notice = true
		}
		lead = s.Lead
		pairedID = s.PairedID
	})
	if !newlyFlagged {
		return
	}

	p.logger.Info("voicemail detected from transcript", "call_id", callID)

	if notice {
		p.send(ctx, link, callID, VoicemailInstruction(lead))
	}

	// Tell a connected sales rep not to expect a live caller.
	if pairedID == "" {
		return
	}
	var holdSales bool
	p.registry.Upsert(pairedID, func(s *session.Session) {
		if s.Status == session.StatusInProgress && !s.Flags.SalesHoldNotified {
			s.Flags.SalesHoldNotified = true
			holdSales = true
		}
	})
	if holdSales {
		if err := p.notifier.HoldWithMessage(ctx, pairedID,
			"The caller's line went to voicemail. A message is being left; please hold."); err != nil {
			p.logger.Error("sales hold notification failed", "call_id", pairedID, "error", err)
		}
	}
}

// send pushes one instruction and logs failures without propagating them.
func (p *Pipeline) send(ctx context.Context, link AgentLink, callID, text string) {
	if err := link.SendInstruction(ctx, text); err != nil {
		p.logger.Error("instruction send failed", "call_id", callID, "error", err)
	}
}

// UnavailableInstruction is the one-time notice sent when the sales team
// cannot take the handoff.
func UnavailableInstruction() string {
	return "The care team is unavailable right now. Let the caller know, apologize briefly, and offer to have someone call them back at a time that works for them."
}

// VoicemailInstruction personalizes the leave-a-message prompt with known
// lead fields, falling back to a generic script.
func VoicemailInstruction(lead session.LeadInfo) string {
	if lead.Name != "" && lead.CareRecipient != "" {
		return fmt.Sprintf(
			"This call reached voicemail. Leave a brief message for %s about care for %s, mention we will try again, and end the call politely.",
			lead.Name, lead.CareRecipient)
	}
	if lead.Name != "" {
		return fmt.Sprintf(
			"This call reached voicemail. Leave a brief message for %s, mention we will try again, and end the call politely.",
			lead.Name)
	}
	return "This call reached voicemail. Leave a brief, friendly message mentioning we will try again, then end the call."
}

// describeTime renders a detected time reference for the confirmation
// instruction, preferring the most specific tokens.
func describeTime(ref *intent.TimeReference) string {
	var parts []string
	parts = append(parts, ref.Days...)
	parts = append(parts, ref.Relative...)
	parts = append(parts, ref.Periods...)
	parts = append(parts, ref.Times...)
	if len(parts) == 0 {
		return "at the requested time"
	}
	return strings.Join(parts, " ")
}
