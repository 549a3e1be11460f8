package transfer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bridgecall/bridgecall/internal/session"
)

// fakeClock drives AfterFunc timers manually.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Advance moves the clock forward, firing due timers in order, including
// timers re-armed by fired callbacks.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.when.After(target) {
				continue
			}
			if next == nil || t.when.Before(next.when) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.when.After(c.now) {
			c.now = next.when
		}
		f := next.f
		c.mu.Unlock()
		f()
	}
}

// fakeController records telephony operations.
type fakeController struct {
	mu          sync.Mutex
	joins       map[string]string // callID -> room
	ended       map[string]string // callID -> message
	held        map[string]int    // callID -> hold count
	reconnected map[string]bool   // callID -> transferFailed flag
}

func newFakeController() *fakeController {
	return &fakeController{
		joins:       make(map[string]string),
		ended:       make(map[string]string),
		held:        make(map[string]int),
		reconnected: make(map[string]bool),
	}
}

func (f *fakeController) JoinConference(_ context.Context, callID, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins[callID] = room
	return nil
}

func (f *fakeController) EndCallWithMessage(_ context.Context, callID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[callID] = message
	return nil
}

func (f *fakeController) HoldWithMessage(_ context.Context, callID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[callID]++
	return nil
}

func (f *fakeController) ReconnectToAgent(_ context.Context, callID string, transferFailed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnected[callID] = transferFailed
	return nil
}

// setupPair registers a paired lead/sales transaction, both in-progress.
func setupPair(t *testing.T) (*session.Registry, string, string) {
	t.Helper()
	r := session.NewRegistry(slog.Default())
	r.Create("CAlead", session.RoleLead, session.LeadInfo{PhoneNumber: "+15550001111"})
	r.Create("CAsales", session.RoleSales, session.LeadInfo{})
	r.Pair("CAlead", "CAsales")
	for _, id := range []string{"CAlead", "CAsales"} {
		r.Upsert(id, func(s *session.Session) { s.ApplyStatus(session.StatusInProgress) })
	}
	return r, "CAlead", "CAsales"
}

func TestEvaluateReadiness(t *testing.T) {
	s := &session.Session{}
	if EvaluateReadiness(s) {
		t.Error("empty session should not be ready")
	}

	s.RecordIntent("needs-more-info", 0.8)
	if !EvaluateReadiness(s) {
		t.Error("positive primary intent should be ready")
	}

	kw := &session.Session{}
	kw.RecordIntent("other", 0.3)
	kw.AppendTranscript(session.SpeakerLead, "I'm interested, tell me more")
	if !EvaluateReadiness(kw) {
		t.Error("positive keyword in recent transcript should be ready")
	}

	stale := &session.Session{}
	stale.AppendTranscript(session.SpeakerLead, "sounds good")
	for i := 0; i < 3; i++ {
		stale.AppendTranscript(session.SpeakerLead, "hmm")
	}
	if EvaluateReadiness(stale) {
		t.Error("keyword outside the last three lead lines should not count")
	}
}

func TestTransferCompletes(t *testing.T) {
	r, leadID, salesID := setupPair(t)
	r.Upsert(leadID, func(s *session.Session) {
		s.AppendTranscript(session.SpeakerLead, "I'm interested, tell me more")
	})

	clock := newFakeClock()
	phone := newFakeController()
	c := New(r, phone, clock, slog.Default())

	c.Trigger(context.Background(), leadID)

	room := RoomName(salesID)
	if phone.joins[leadID] != room || phone.joins[salesID] != room {
		t.Fatalf("both legs should dial the conference: %v", phone.joins)
	}
	lead, _ := r.Get(leadID)
	if lead.TransferState != session.TransferAwaitingJoin {
		t.Fatalf("lead transfer state = %s", lead.TransferState)
	}

	c.HandleJoin(room, leadID)
	c.HandleJoin(room, salesID)

	for _, id := range []string{leadID, salesID} {
		s, _ := r.Get(id)
		if s.TransferState != session.TransferComplete {
			t.Errorf("%s transfer state = %s, want complete", id, s.TransferState)
		}
	}

	// Replayed join events after completion are no-ops.
	c.HandleJoin(room, salesID)

	// The fallback window passing must not undo a completed transfer.
	clock.Advance(time.Minute)
	lead, _ = r.Get(leadID)
	if lead.TransferState != session.TransferComplete {
		t.Errorf("fallback fired after completion: %s", lead.TransferState)
	}
	if len(phone.ended) != 0 || len(phone.reconnected) != 0 {
		t.Error("no recovery actions expected after completion")
	}
}

func TestTransferFallbackNobodyJoined(t *testing.T) {
	r, leadID, salesID := setupPair(t)
	r.Upsert(leadID, func(s *session.Session) {
		s.AppendTranscript(session.SpeakerLead, "I'm interested, tell me more")
	})

	clock := newFakeClock()
	phone := newFakeController()
	c := New(r, phone, clock, slog.Default())

	c.Trigger(context.Background(), leadID)

	// 15s: first check re-arms; 25s: still inside window; 35s: expired.
	clock.Advance(15 * time.Second)
	lead, _ := r.Get(leadID)
	if lead.TransferState != session.TransferAwaitingJoin {
		t.Fatalf("state after 15s = %s, want awaiting-join", lead.TransferState)
	}

	clock.Advance(20 * time.Second)
	for _, id := range []string{leadID, salesID} {
		s, _ := r.Get(id)
		if s.TransferState != session.TransferFailed {
			t.Errorf("%s transfer state = %s, want failed", id, s.TransferState)
		}
	}

	// Lead never joined: the sales leg gets the apology and the lead is
	// flagged for manual follow-up.
	if _, ok := phone.ended[salesID]; !ok {
		t.Error("sales leg should be ended with an apology")
	}
	lead, _ = r.Get(leadID)
	if !lead.ManualFollowUp {
		t.Error("lead should be flagged for manual follow-up")
	}
	if len(phone.reconnected) != 0 {
		t.Error("lead reconnect is the sales-missing branch only")
	}
}

func TestTransferFallbackSalesNeverJoined(t *testing.T) {
	r, leadID, salesID := setupPair(t)
	r.Upsert(leadID, func(s *session.Session) {
		s.AppendTranscript(session.SpeakerLead, "sounds good, speak to someone")
	})

	clock := newFakeClock()
	phone := newFakeController()
	c := New(r, phone, clock, slog.Default())

	c.Trigger(context.Background(), leadID)
	c.HandleJoin(RoomName(salesID), leadID)

	clock.Advance(35 * time.Second)

	lead, _ := r.Get(leadID)
	if lead.TransferState != session.TransferFailed {
		t.Fatalf("lead transfer state = %s, want failed", lead.TransferState)
	}
	if failed, ok := phone.reconnected[leadID]; !ok || !failed {
		t.Error("lead should be reconnected to the AI with the transfer-failed marker")
	}
	if _, ok := phone.ended[salesID]; ok {
		t.Error("sales leg should not receive the apology when the lead joined")
	}
}

func TestTriggerGuards(t *testing.T) {
	r, leadID, salesID := setupPair(t)
	clock := newFakeClock()
	phone := newFakeController()
	c := New(r, phone, clock, slog.Default())

	// Not ready: no positive intent or keyword.
	c.Trigger(context.Background(), leadID)
	if len(phone.joins) != 0 {
		t.Fatal("transfer should not start without readiness")
	}

	// Ready but sales leg not in-progress.
	r.Upsert(leadID, func(s *session.Session) {
		s.AppendTranscript(session.SpeakerLead, "tell me more")
	})
	r.Upsert(salesID, func(s *session.Session) { s.Status = session.StatusRinging })
	c.Trigger(context.Background(), leadID)
	if len(phone.joins) != 0 {
		t.Fatal("transfer should wait for both legs in-progress")
	}
}

func TestTriggerVoicemailLeadHoldsSales(t *testing.T) {
	r, leadID, salesID := setupPair(t)
	r.Upsert(leadID, func(s *session.Session) {
		s.MarkVoicemail()
		s.AppendTranscript(session.SpeakerLead, "tell me more") // readiness is irrelevant for voicemail
	})

	clock := newFakeClock()
	phone := newFakeController()
	c := New(r, phone, clock, slog.Default())

	c.Trigger(context.Background(), leadID)
	c.Trigger(context.Background(), leadID)

	if len(phone.joins) != 0 {
		t.Error("voicemail lead must not be conferenced")
	}
	if phone.held[salesID] != 1 {
		t.Errorf("sales hold message sent %d times, want exactly once", phone.held[salesID])
	}
}

func TestCancelStopsFallback(t *testing.T) {
	r, leadID, salesID := setupPair(t)
	r.Upsert(leadID, func(s *session.Session) {
		s.AppendTranscript(session.SpeakerLead, "tell me more")
	})

	clock := newFakeClock()
	phone := newFakeController()
	c := New(r, phone, clock, slog.Default())

	c.Trigger(context.Background(), leadID)
	c.Cancel(leadID)

	clock.Advance(time.Minute)

	if len(phone.ended) != 0 || len(phone.reconnected) != 0 {
		t.Error("canceled fallback must not run recovery actions")
	}
	s, _ := r.Get(salesID)
	if s.TransferState != session.TransferAwaitingJoin {
		t.Errorf("state after cancel = %s", s.TransferState)
	}
}
