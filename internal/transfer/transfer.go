// Package transfer coordinates the conference handoff from the AI leg to a
// live sales representative, including the bounded-time fallback when one
// side never joins.
package transfer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgecall/bridgecall/internal/intent"
	"github.com/bridgecall/bridgecall/internal/session"
)

// CallController is the telephony operations the coordinator needs.
// Implemented by telephony.Controller.
type CallController interface {
	JoinConference(ctx context.Context, callID, room string) error
	EndCallWithMessage(ctx context.Context, callID, message string) error
	HoldWithMessage(ctx context.Context, callID, message string) error
	ReconnectToAgent(ctx context.Context, callID string, transferFailed bool) error
}

// Fallback timing: first check 15s after the conference is created, then
// every 10s until the 30s window closes. Elapsed time is measured against
// the conference CreatedAt stamp, not scheduling delays, so re-checks stay
// consistent under scheduler jitter.
const (
	fallbackInitialDelay = 15 * time.Second
	fallbackRecheck      = 10 * time.Second
	fallbackWindow       = 30 * time.Second
)

const callDeadline = 10 * time.Second

// positiveIntents unblock a transfer directly.
var positiveIntents = map[string]struct{}{
	intent.CategoryNeedsMoreInfo:  {},
	intent.CategoryNeedsImmediate: {},
}

// positiveKeywords are matched case-insensitively against the last three
// lead transcripts; the first hit short-circuits.
var positiveKeywords = []string{
	"interested",
	"tell me more",
	"speak to someone",
	"talk to someone",
	"sounds good",
	"need help",
	"need care",
	"sign me up",
	"yes please",
}

// EvaluateReadiness reports whether the lead is ready for a live handoff:
// the primary intent is positive, or a recent transcript contains a
// positive keyword. Pure; safe on a registry snapshot.
func EvaluateReadiness(s *session.Session) bool {
	if s.Primary != nil {
		if _, ok := positiveIntents[s.Primary.Name]; ok {
			return true
		}
	}
	for _, line := range s.LastHumanTranscripts(3) {
		lower := strings.ToLower(line)
		for _, kw := range positiveKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// Coordinator runs the transfer protocol for all calls. Per-call state
// lives in the registry; the coordinator only owns the fallback timers.
type Coordinator struct {
	registry *session.Registry
	phone    CallController
	clock    Clock
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]Timer // keyed by conference room name

	completed atomic.Int64
	failed    atomic.Int64
}

// Completed returns the number of transfers where both legs joined.
func (c *Coordinator) Completed() int64 { return c.completed.Load() }

// Failed returns the number of transfers that exhausted the fallback window.
func (c *Coordinator) Failed() int64 { return c.failed.Load() }

// New creates a transfer coordinator.
func New(registry *session.Registry, phone CallController, clock Clock, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		phone:    phone,
		clock:    clock,
		logger:   logger.With("subsystem", "transfer-coordinator"),
		timers:   make(map[string]Timer),
	}
}

// RoomName derives the conference room deterministically from the sales-leg
// call ID, so replayed triggers land in the same room.
func RoomName(salesCallID string) string {
	return "transfer-" + salesCallID
}

// Trigger re-evaluates the transfer for the transaction containing callID.
// It is called on every status flip to in-progress and on every intent
// change; all guards are re-checked here, so spurious triggers are cheap
// no-ops.
func (c *Coordinator) Trigger(ctx context.Context, callID string) {
	s, ok := c.registry.Get(callID)
	if !ok || s.PairedID == "" {
		return
	}
	pair, ok := c.registry.Get(s.PairedID)
	if !ok {
		return
	}

	lead, sales := s, pair
	if s.Role == session.RoleSales {
		lead, sales = pair, s
	}

	// A voicemail lead never transfers; if a rep is already live, tell
	// them once instead of conferencing them with a machine.
	if lead.Voicemail == session.VoicemailYes {
		c.notifySalesOfVoicemail(ctx, sales)
		return
	}

	if !EvaluateReadiness(lead) {
		return
	}

	room := RoomName(sales.ID)
	proceed := false
	c.registry.UpsertPair(lead.ID, sales.ID, func(l, sl *session.Session) {
		if l.Status != session.StatusInProgress || sl.Status != session.StatusInProgress {
			return
		}
		if l.Voicemail == session.VoicemailYes || sl.Voicemail == session.VoicemailYes {
			return
		}
		if l.TransferState != session.TransferNotStarted || sl.TransferState != session.TransferNotStarted {
			return
		}
		now := c.clock.Now()
		l.TransferState = session.TransferInitiated
		sl.TransferState = session.TransferInitiated
		l.Conference = &session.Conference{RoomName: room, CreatedAt: now}
		sl.Conference = &session.Conference{RoomName: room, CreatedAt: now}
		proceed = true
	})
	if !proceed {
		return
	}

	c.logger.Info("transfer initiated",
		"lead_call_id", lead.ID,
		"sales_call_id", sales.ID,
		"room", room,
	)

	callCtx, cancel := context.WithTimeout(ctx, callDeadline)
	defer cancel()

	errLead := c.phone.JoinConference(callCtx, lead.ID, room)
	errSales := c.phone.JoinConference(callCtx, sales.ID, room)
	if errLead != nil || errSales != nil {
		c.logger.Error("conference dial failed",
			"room", room,
			"lead_error", errLead,
			"sales_error", errSales,
		)
		c.failTransfer(room, lead.ID, sales.ID)
		return
	}

	c.registry.UpsertPair(lead.ID, sales.ID, func(l, sl *session.Session) {
		if l.TransferState == session.TransferInitiated {
			l.TransferState = session.TransferAwaitingJoin
		}
		if sl.TransferState == session.TransferInitiated {
			sl.TransferState = session.TransferAwaitingJoin
		}
	})

	c.schedule(room, lead.ID, sales.ID, fallbackInitialDelay)
}

// notifySalesOfVoicemail plays a one-time hold message on a live sales leg.
func (c *Coordinator) notifySalesOfVoicemail(ctx context.Context, sales *session.Session) {
	notify := false
	c.registry.Upsert(sales.ID, func(s *session.Session) {
		if s.Status == session.StatusInProgress && !s.Flags.SalesHoldNotified {
			s.Flags.SalesHoldNotified = true
			notify = true
		}
	})
	if !notify {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, callDeadline)
	defer cancel()
	if err := c.phone.HoldWithMessage(callCtx, sales.ID,
		"The caller's line went to voicemail. Please hold while a message is left."); err != nil {
		c.logger.Error("voicemail hold message failed", "call_id", sales.ID, "error", err)
	}
}

// HandleJoin processes a conference participant-join event. The instant
// both legs are in the room, both sessions move to transfer complete;
// repeat events after completion are no-ops.
func (c *Coordinator) HandleJoin(room, participantCallID string) {
	p, ok := c.registry.Get(participantCallID)
	if !ok || p.PairedID == "" {
		return
	}

	completed := false
	c.registry.UpsertPair(participantCallID, p.PairedID, func(part, pair *session.Session) {
		for _, s := range []*session.Session{part, pair} {
			if s.Conference == nil || s.Conference.RoomName != room {
				return
			}
		}
		switch part.Role {
		case session.RoleLead:
			part.Conference.LeadJoined = true
			pair.Conference.LeadJoined = true
		case session.RoleSales:
			part.Conference.SalesJoined = true
			pair.Conference.SalesJoined = true
		}
		if part.Conference.LeadJoined && part.Conference.SalesJoined {
			if part.TransferState != session.TransferComplete {
				part.TransferState = session.TransferComplete
				pair.TransferState = session.TransferComplete
				completed = true
			}
		}
	})

	if completed {
		c.completed.Add(1)
		c.logger.Info("transfer complete", "room", room)
		c.stopTimer(room)
	}
}

// HandleLeave records a participant leaving. Leaves after completion are
// the normal end of a handled call; leaves before completion are left to
// the fallback check to classify.
func (c *Coordinator) HandleLeave(room, participantCallID string) {
	c.logger.Debug("conference leave", "room", room, "call_id", participantCallID)
}

// Cancel stops any pending fallback timer for the transaction containing
// callID. Safe to call for calls that never started a transfer.
func (c *Coordinator) Cancel(callID string) {
	s, ok := c.registry.Get(callID)
	if !ok || s.Conference == nil {
		return
	}
	c.stopTimer(s.Conference.RoomName)
}

func (c *Coordinator) schedule(room, leadID, salesID string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[room]; ok {
		t.Stop()
	}
	c.timers[room] = c.clock.AfterFunc(d, func() {
		c.fallbackCheck(room, leadID, salesID)
	})
}

func (c *Coordinator) stopTimer(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[room]; ok {
		t.Stop()
		delete(c.timers, room)
	}
}

// fallbackCheck runs on the fallback timer. A fire after cancellation is a
// no-op because every branch re-reads registry state first.
func (c *Coordinator) fallbackCheck(room, leadID, salesID string) {
	lead, ok := c.registry.Get(leadID)
	if !ok || lead.TransferState != session.TransferAwaitingJoin || lead.Conference == nil {
		c.stopTimer(room)
		return
	}

	elapsed := c.clock.Now().Sub(lead.Conference.CreatedAt)
	if elapsed < fallbackWindow {
		c.schedule(room, leadID, salesID, fallbackRecheck)
		return
	}

	c.logger.Warn("transfer window expired",
		"room", room,
		"lead_joined", lead.Conference.LeadJoined,
		"sales_joined", lead.Conference.SalesJoined,
	)
	c.failTransfer(room, leadID, salesID)
}

// failTransfer marks both legs failed and applies the asymmetric recovery:
// a missing lead ends the sales leg with an apology and flags the lead for
// manual follow-up; a missing sales rep hands the lead back to a fresh AI
// relay rather than leaving them on hold.
func (c *Coordinator) failTransfer(room, leadID, salesID string) {
	c.stopTimer(room)

	var leadJoined, salesJoined bool
	applied := false
	c.registry.UpsertPair(leadID, salesID, func(l, sl *session.Session) {
		if l.TransferState == session.TransferComplete {
			return
		}
		l.TransferState = session.TransferFailed
		sl.TransferState = session.TransferFailed
		if l.Conference != nil {
			leadJoined = l.Conference.LeadJoined
			salesJoined = l.Conference.SalesJoined
		}
		applied = true
	})
	if !applied {
		return
	}
	c.failed.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), callDeadline)
	defer cancel()

	switch {
	case !leadJoined:
		if err := c.phone.EndCallWithMessage(ctx, salesID,
			"We're sorry, the caller could not be connected. This lead has been flagged for manual follow-up. Goodbye."); err != nil {
			c.logger.Error("ending sales leg failed", "call_id", salesID, "error", err)
		}
		c.registry.Upsert(leadID, func(s *session.Session) {
			s.ManualFollowUp = true
		})
		c.logger.Info("lead flagged for manual follow-up", "call_id", leadID)
	case !salesJoined:
		if err := c.phone.ReconnectToAgent(ctx, leadID, true); err != nil {
			c.logger.Error("reconnecting lead to agent failed", "call_id", leadID, "error", err)
		}
	}
}
