package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bridgecall/bridgecall/internal/aivoice"
	"github.com/bridgecall/bridgecall/internal/callback"
	"github.com/bridgecall/bridgecall/internal/config"
	"github.com/bridgecall/bridgecall/internal/database/models"
	"github.com/bridgecall/bridgecall/internal/pipeline"
	"github.com/bridgecall/bridgecall/internal/relay"
	"github.com/bridgecall/bridgecall/internal/report"
	"github.com/bridgecall/bridgecall/internal/session"
	"github.com/bridgecall/bridgecall/internal/telephony"
	"github.com/bridgecall/bridgecall/internal/transfer"
)

// fakeProvider is an httptest stand-in for the telephony REST API. It hands
// out sequential call sids and records the forms it receives.
type fakeProvider struct {
	mu    sync.Mutex
	seq   int
	forms []url.Values
}

func (p *fakeProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.seq++
		sid := fmt.Sprintf("CA-test-%d", p.seq)
		p.forms = append(p.forms, r.PostForm)
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"sid":%q,"status":"queued"}`, sid)
	}
}

func (p *fakeProvider) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *fakeProvider) lastForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.forms) == 0 {
		return nil
	}
	return p.forms[len(p.forms)-1]
}

type fakeRecords struct {
	mu   sync.Mutex
	rows []models.CallRecord
}

func (f *fakeRecords) Create(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *rec)
	return nil
}

func (f *fakeRecords) GetByCallID(_ context.Context, callID string) (*models.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].CallID == callID {
			rec := f.rows[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (f *fakeRecords) List(context.Context, int, int) ([]models.CallRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := append([]models.CallRecord(nil), f.rows...)
	return rows, len(rows), nil
}

func (f *fakeRecords) CountReported(context.Context) (int64, error) { return 0, nil }

type nopTracker struct{}

func (nopTracker) TrackCall(context.Context, string, string, callback.CallContext) error {
	return nil
}

type apiFixture struct {
	server   *Server
	registry *session.Registry
	provider *fakeProvider
	records  *fakeRecords
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.Default()

	provider := &fakeProvider{}
	providerSrv := httptest.NewServer(provider.handler())
	t.Cleanup(providerSrv.Close)

	cfg := &config.Config{
		PublicBaseURL: "https://calls.example.com",
		SalesNumber:   "+15550009999",
	}

	registry := session.NewRegistry(logger)
	records := &fakeRecords{}

	phoneClient := telephony.NewClient(providerSrv.URL, "AC-test", "token", "+15550000000", logger)
	phone := telephony.NewController(phoneClient, cfg.PublicBaseURL, logger)

	ai := aivoice.NewClient("http://unused.invalid", "key", "agent", logger)
	coordinator := transfer.New(registry, phone, transfer.NewRealClock(), logger)
	pipe := pipeline.New(registry, nopTracker{}, coordinator, phone, logger)
	reportClient := report.NewClient("", 1, time.Millisecond, time.Second, logger)
	dispatcher := report.NewDispatcher(registry, ai, nopTracker{}, records, reportClient, logger)
	relays := relay.NewFactory(registry, ai, pipe, coordinator, dispatcher, logger)

	srv := NewServer(cfg, registry, phone, relays, coordinator, dispatcher, records, nil, logger)
	t.Cleanup(srv.Close)

	return &apiFixture{
		server:   srv,
		registry: registry,
		provider: provider,
		records:  records,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, path, "application/x-www-form-urlencoded", form.Encode())
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCreateCallPlacesLeadLeg(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/calls", "application/json",
		`{"phone_number":"+15551234567","name":"Pat","care_reason":"mobility help","care_recipient":"her father"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if f.provider.createCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", f.provider.createCount())
	}

	form := f.provider.lastForm()
	if form.Get("To") != "+15551234567" {
		t.Errorf("To = %q", form.Get("To"))
	}
	if form.Get("MachineDetection") == "" {
		t.Error("lead call should enable machine detection")
	}

	s, ok := f.registry.Get("CA-test-1")
	if !ok {
		t.Fatal("session not registered")
	}
	if s.Role != session.RoleLead || s.Lead.Name != "Pat" || s.Lead.CareRecipient != "her father" {
		t.Errorf("session = %+v", s)
	}
}

func TestCreateCallRejectsBadNumber(t *testing.T) {
	f := newAPIFixture(t)

	for _, body := range []string{
		`{"phone_number":"555-1234"}`,
		`{"phone_number":""}`,
		`{}`,
		`{bad`,
	} {
		w := f.do(t, http.MethodPost, "/api/v1/calls", "application/json", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
	if f.provider.createCount() != 0 {
		t.Errorf("provider calls = %d, want 0", f.provider.createCount())
	}
}

func TestCreateSalesCallPairsLegs(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{Name: "Pat"})

	w := f.do(t, http.MethodPost, "/api/v1/calls/CA-lead/sales", "application/json", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	form := f.provider.lastForm()
	if form.Get("To") != "+15550009999" {
		t.Errorf("sales To = %q, want configured sales number", form.Get("To"))
	}

	lead, _ := f.registry.Get("CA-lead")
	if lead.PairedID != "CA-test-1" {
		t.Fatalf("lead paired id = %q", lead.PairedID)
	}
	sales, ok := f.registry.Get("CA-test-1")
	if !ok || sales.Role != session.RoleSales || sales.PairedID != "CA-lead" {
		t.Fatalf("sales session = %+v", sales)
	}

	// Placing the sales leg twice is a conflict.
	w = f.do(t, http.MethodPost, "/api/v1/calls/CA-lead/sales", "application/json", "")
	if w.Code != http.StatusConflict {
		t.Errorf("second sales call status = %d, want 409", w.Code)
	}
}

func TestCreateSalesCallUnknownLead(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/calls/CA-missing/sales", "application/json", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStatusWebhookAppliesStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{})

	w := f.postForm(t, "/twilio/status", url.Values{
		"CallSid":    {"CA-lead"},
		"CallStatus": {"in-progress"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	s, _ := f.registry.Get("CA-lead")
	if s.Status != session.StatusInProgress {
		t.Errorf("session status = %q", s.Status)
	}
}

func TestStatusWebhookUnknownCallIsNoOp(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postForm(t, "/twilio/status", url.Values{
		"CallSid":    {"CA-unknown"},
		"CallStatus": {"completed"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestStatusWebhookUnknownStatusDropped(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{})

	w := f.postForm(t, "/twilio/status", url.Values{
		"CallSid":    {"CA-lead"},
		"CallStatus": {"queued"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	s, _ := f.registry.Get("CA-lead")
	if s.Status != session.StatusInitiated {
		t.Errorf("session status = %q, want untouched", s.Status)
	}
}

func TestStatusWebhookSalesBusyMarksLeadUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{})
	f.registry.Create("CA-sales", session.RoleSales, session.LeadInfo{})
	f.registry.Pair("CA-lead", "CA-sales")

	for _, st := range []string{"busy", "failed", "no-answer"} {
		t.Run(st, func(t *testing.T) {
			f.postForm(t, "/twilio/status", url.Values{
				"CallSid":    {"CA-sales"},
				"CallStatus": {st},
			})
			lead, _ := f.registry.Get("CA-lead")
			if !lead.SalesUnavailable {
				t.Fatal("lead should be marked sales-unavailable")
			}
		})
	}
}

func TestAMDWebhookMachineFlagsVoicemail(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{})

	w := f.postForm(t, "/twilio/amd", url.Values{
		"CallSid":    {"CA-lead"},
		"AnsweredBy": {"machine_end_beep"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}

	s, _ := f.registry.Get("CA-lead")
	if s.Voicemail != session.VoicemailYes {
		t.Fatal("voicemail not flagged")
	}
	if !s.Flags.VoicemailNoticeSent {
		t.Error("voicemail notice flag not set")
	}
}

func TestAMDWebhookHumanIsNoOp(t *testing.T) {
	f := newAPIFixture(t)
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{})

	f.postForm(t, "/twilio/amd", url.Values{
		"CallSid":    {"CA-lead"},
		"AnsweredBy": {"human"},
	})

	s, _ := f.registry.Get("CA-lead")
	if s.Voicemail == session.VoicemailYes {
		t.Fatal("human answer must not flag voicemail")
	}
}

func TestConferenceWebhookCompletesTransfer(t *testing.T) {
	f := newAPIFixture(t)
	room := transfer.RoomName("CA-sales")
	now := time.Now()
	f.registry.Create("CA-lead", session.RoleLead, session.LeadInfo{})
	f.registry.Create("CA-sales", session.RoleSales, session.LeadInfo{})
	f.registry.Pair("CA-lead", "CA-sales")
	f.registry.UpsertPair("CA-lead", "CA-sales", func(lead, sales *session.Session) {
		for _, s := range []*session.Session{lead, sales} {
			s.ApplyStatus(session.StatusInProgress)
			s.TransferState = session.TransferAwaitingJoin
			s.Conference = &session.Conference{RoomName: room, CreatedAt: now}
		}
	})

	for _, callID := range []string{"CA-lead", "CA-sales"} {
		w := f.postForm(t, "/twilio/conference", url.Values{
			"FriendlyName":        {room},
			"CallSid":             {callID},
			"StatusCallbackEvent": {"participant-join"},
		})
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", w.Code)
		}
	}

	lead, _ := f.registry.Get("CA-lead")
	if lead.TransferState != session.TransferComplete {
		t.Fatalf("transfer state = %s, want complete", lead.TransferState)
	}
}

func TestVoiceWebhookReturnsStreamTwiML(t *testing.T) {
	f := newAPIFixture(t)

	w := f.postForm(t, "/twilio/voice", url.Values{
		"CallSid": {"CA-inbound"},
		"From":    {"+15557654321"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content-type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Connect>") || !strings.Contains(body, "wss://calls.example.com/twilio/stream") {
		t.Errorf("twiml = %s", body)
	}

	s, ok := f.registry.Get("CA-inbound")
	if !ok || s.Lead.PhoneNumber != "+15557654321" || s.Status != session.StatusInProgress {
		t.Fatalf("inbound session = %+v", s)
	}
}

func TestGetCallRecord(t *testing.T) {
	f := newAPIFixture(t)
	f.records.Create(context.Background(), &models.CallRecord{CallID: "CA-done", Summary: "left voicemail"})

	w := f.do(t, http.MethodGet, "/api/v1/calls/CA-done", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "left voicemail") {
		t.Errorf("body = %s", w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/calls/CA-missing", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCreateCallRateLimited(t *testing.T) {
	f := newAPIFixture(t)

	limited := false
	for i := 0; i < 10; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/calls", "application/json", `{}`)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of call creations was never rate limited")
	}
}
