package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateCall(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
		if r.URL.Path != "/Accounts/AC123/Calls.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing form: %v", err)
		}
		gotForm = map[string]string{
			"To":               r.PostForm.Get("To"),
			"From":             r.PostForm.Get("From"),
			"MachineDetection": r.PostForm.Get("MachineDetection"),
			"AsyncAmd":         r.PostForm.Get("AsyncAmd"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA789","status":"queued"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "AC123", "secret", "+15550009999", slog.Default())
	sid, err := c.CreateCall(context.Background(), CreateCallParams{
		To:             "+15550001111",
		TwiML:          "<Response/>",
		StatusCallback: "https://calls.example.com/twilio/status",
		AMDCallback:    "https://calls.example.com/twilio/amd",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if sid != "CA789" {
		t.Errorf("sid = %q", sid)
	}
	if gotForm["To"] != "+15550001111" || gotForm["From"] != "+15550009999" {
		t.Errorf("form = %v", gotForm)
	}
	if gotForm["MachineDetection"] != "Enable" || gotForm["AsyncAmd"] != "true" {
		t.Errorf("machine detection not enabled: %v", gotForm)
	}
}

func TestCreateCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"Invalid 'To' phone number"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "AC123", "secret", "+15550009999", slog.Default())
	if _, err := c.CreateCall(context.Background(), CreateCallParams{To: "junk"}); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestUpdateAndEndCall(t *testing.T) {
	var paths []string
	var statuses []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm() //nolint:errcheck
		paths = append(paths, r.URL.Path)
		statuses = append(statuses, r.PostForm.Get("Status"))
		w.Write([]byte(`{"sid":"CA789","status":"in-progress"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "AC123", "secret", "+15550009999", slog.Default())
	if err := c.UpdateCall(context.Background(), "CA789", "<Response/>"); err != nil {
		t.Fatalf("UpdateCall: %v", err)
	}
	if err := c.EndCall(context.Background(), "CA789"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	if len(paths) != 2 || paths[0] != "/Accounts/AC123/Calls/CA789.json" {
		t.Errorf("paths = %v", paths)
	}
	if statuses[1] != "completed" {
		t.Errorf("end call status = %q", statuses[1])
	}
}
