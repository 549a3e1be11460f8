package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/bridgecall/bridgecall/internal/callback"
	"github.com/bridgecall/bridgecall/internal/session"
)

type fakeLink struct {
	mu           sync.Mutex
	instructions []string
}

func (f *fakeLink) SendInstruction(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, text)
	return nil
}

type fakeTracker struct {
	calls []callback.CallContext
}

func (f *fakeTracker) TrackCall(_ context.Context, _, _ string, info callback.CallContext) error {
	f.calls = append(f.calls, info)
	return nil
}

type fakeTrigger struct {
	count int
}

func (f *fakeTrigger) Trigger(context.Context, string) { f.count++ }

type fakeNotifier struct {
	holds map[string]int
}

func (f *fakeNotifier) HoldWithMessage(_ context.Context, callID, _ string) error {
	if f.holds == nil {
		f.holds = make(map[string]int)
	}
	f.holds[callID]++
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *session.Registry, *fakeLink, *fakeTracker, *fakeTrigger, *fakeNotifier) {
	t.Helper()
	r := session.NewRegistry(slog.Default())
	link := &fakeLink{}
	tracker := &fakeTracker{}
	trigger := &fakeTrigger{}
	notifier := &fakeNotifier{}
	p := New(r, tracker, trigger, notifier, slog.Default())
	return p, r, link, tracker, trigger, notifier
}

func TestHandleTranscriptRecordsIntent(t *testing.T) {
	p, r, link, _, trigger, _ := newTestPipeline(t)
	r.Create("CA1", session.RoleLead, session.LeadInfo{})

	p.HandleTranscript(context.Background(), link, "CA1", "Can you tell me more about the service?")

	s, _ := r.Get("CA1")
	if s.Primary == nil || s.Primary.Name != "needs-more-info" {
		t.Fatalf("primary intent = %+v", s.Primary)
	}
	if trigger.count != 1 {
		t.Errorf("transfer trigger count = %d, want 1", trigger.count)
	}
}

func TestHandleTranscriptUntrackedCall(t *testing.T) {
	p, _, link, _, trigger, _ := newTestPipeline(t)

	// Must be a silent no-op, not a crash.
	p.HandleTranscript(context.Background(), link, "CA-unknown", "tell me more")

	if len(link.instructions) != 0 || trigger.count != 0 {
		t.Error("untracked call should produce no actions")
	}
}

func TestCallbackWithTimeSchedulesOnceAndConfirms(t *testing.T) {
	p, r, link, tracker, _, _ := newTestPipeline(t)
	r.Create("CA1", session.RoleLead, session.LeadInfo{PhoneNumber: "+15550001111", Name: "Pat"})

	p.HandleTranscript(context.Background(), link, "CA1", "Call me back tomorrow afternoon at 3 pm")

	s, _ := r.Get("CA1")
	if len(s.CallbackPrefs) != 1 {
		t.Fatalf("callback prefs = %d, want 1", len(s.CallbackPrefs))
	}
	pref := s.CallbackPrefs[0]
	if !pref.FromIntent || pref.SalesUnavailable {
		t.Errorf("pref flags = %+v", pref)
	}
	if len(pref.Relative) != 1 || pref.Relative[0] != "tomorrow" {
		t.Errorf("pref relative = %v", pref.Relative)
	}
	if !s.CallbackScheduled {
		t.Error("callback should be marked scheduled")
	}
	if len(tracker.calls) != 1 || tracker.calls[0].PhoneNumber != "+15550001111" {
		t.Fatalf("tracker calls = %+v", tracker.calls)
	}
	if len(link.instructions) != 1 || !strings.Contains(link.instructions[0], "Confirm") {
		t.Fatalf("instructions = %v", link.instructions)
	}

	// A second time request appends a preference but does not re-track.
	p.HandleTranscript(context.Background(), link, "CA1", "Actually, call back Monday morning")
	s, _ = r.Get("CA1")
	if len(s.CallbackPrefs) != 2 {
		t.Errorf("callback prefs = %d, want 2", len(s.CallbackPrefs))
	}
	if len(tracker.calls) != 1 {
		t.Errorf("tracker calls = %d, want still 1", len(tracker.calls))
	}
}

func TestCallbackWithoutTimePromptsOnce(t *testing.T) {
	p, r, link, _, _, _ := newTestPipeline(t)
	r.Create("CA1", session.RoleLead, session.LeadInfo{})

	p.HandleTranscript(context.Background(), link, "CA1", "Please call me back")
	p.HandleTranscript(context.Background(), link, "CA1", "Yes, just call me back sometime")

	s, _ := r.Get("CA1")
	if !s.Flags.TimePromptSent {
		t.Error("time prompt flag should be set")
	}
	prompts := 0
	for _, in := range link.instructions {
		if strings.Contains(in, "day and time") {
			prompts++
		}
	}
	if prompts != 1 {
		t.Fatalf("time prompt sent %d times, want exactly once", prompts)
	}
}

func TestCallbackWhenSalesUnavailableSkipsConfirmation(t *testing.T) {
	p, r, link, tracker, _, _ := newTestPipeline(t)
	r.Create("CA1", session.RoleLead, session.LeadInfo{PhoneNumber: "+15550001111"})
	r.Upsert("CA1", func(s *session.Session) { s.SalesUnavailable = true })

	// No schedule-callback intent: the unavailable flag alone routes the
	// text through time detection.
	p.HandleTranscript(context.Background(), link, "CA1", "Tomorrow at 10:30 am works for me")

	s, _ := r.Get("CA1")
	if len(s.CallbackPrefs) != 1 || !s.CallbackPrefs[0].SalesUnavailable {
		t.Fatalf("prefs = %+v", s.CallbackPrefs)
	}
	if len(tracker.calls) != 1 {
		t.Fatalf("tracker calls = %d", len(tracker.calls))
	}
	for _, in := range link.instructions {
		if strings.Contains(in, "Confirm") {
			t.Error("confirmation must be suppressed while sales is unavailable")
		}
	}
}

func TestVoicemailPhraseFlagsAndNotifies(t *testing.T) {
	p, r, link, _, _, notifier := newTestPipeline(t)
	r.Create("CAlead", session.RoleLead, session.LeadInfo{Name: "Pat", CareRecipient: "his father"})
	r.Create("CAsales", session.RoleSales, session.LeadInfo{})
	r.Pair("CAlead", "CAsales")
	r.Upsert("CAsales", func(s *session.Session) { s.ApplyStatus(session.StatusInProgress) })

	p.HandleTranscript(context.Background(), link, "CAlead", "You've reached Pat, please leave a message after the beep")

	s, _ := r.Get("CAlead")
	if s.Voicemail != session.VoicemailYes {
		t.Fatal("voicemail should be flagged")
	}
	if len(link.instructions) != 1 || !strings.Contains(link.instructions[0], "Pat") {
		t.Fatalf("voicemail instruction = %v", link.instructions)
	}
	if notifier.holds["CAsales"] != 1 {
		t.Errorf("sales hold notifications = %d, want 1", notifier.holds["CAsales"])
	}

	// Repeat phrases change nothing.
	p.HandleTranscript(context.Background(), link, "CAlead", "leave a message after the tone")
	if len(link.instructions) != 1 {
		t.Errorf("voicemail instruction re-sent: %v", link.instructions)
	}
	if notifier.holds["CAsales"] != 1 {
		t.Errorf("sales re-notified: %d", notifier.holds["CAsales"])
	}
}

func TestVoicemailGenericFallback(t *testing.T) {
	if got := VoicemailInstruction(session.LeadInfo{}); !strings.Contains(got, "friendly message") {
		t.Errorf("generic voicemail instruction = %q", got)
	}
}
