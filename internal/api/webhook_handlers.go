package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/bridgecall/bridgecall/internal/pipeline"
	"github.com/bridgecall/bridgecall/internal/session"
)

// upgrader accepts the telephony provider's media-stream websocket. The
// provider is a server-side client, so there is no browser origin to check.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleVoiceWebhook answers an inbound call: it registers a lead session
// for the call sid and returns TwiML connecting the caller to the AI media
// stream.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	callID := r.PostFormValue("CallSid")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}

	s.registry.Create(callID, session.RoleLead, session.LeadInfo{
		PhoneNumber: r.PostFormValue("From"),
	})
	s.registry.Upsert(callID, func(sess *session.Session) {
		sess.ApplyStatus(session.StatusInProgress)
	})

	s.logger.Info("inbound call answered", "call_id", callID)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.phone.InboundStreamTwiML())) //nolint:errcheck
}

// handleStatusWebhook applies a provider status callback to the session.
// Unknown call sids and unknown statuses are dropped silently; the provider
// replays and reorders callbacks as a matter of course.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	callID := r.PostFormValue("CallSid")
	status, ok := session.ParseStatus(r.PostFormValue("CallStatus"))
	if callID == "" || !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var (
		role     session.Role
		pairedID string
		applied  bool
	)
	tracked := s.registry.Upsert(callID, func(sess *session.Session) {
		applied = sess.ApplyStatus(status)
		role = sess.Role
		pairedID = sess.PairedID
	})
	if !tracked {
		s.logger.Debug("status for untracked call dropped", "call_id", callID, "status", string(status))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Info("call status",
		"call_id", callID,
		"status", string(status),
		"applied", applied,
	)

	// A sales leg that can never be answered marks the lead unavailable;
	// the relay picks the flag up and redirects the conversation.
	if role == session.RoleSales && salesUnreachable(status) && pairedID != "" {
		s.registry.Upsert(pairedID, func(sess *session.Session) {
			sess.SalesUnavailable = true
		})
		s.logger.Info("sales leg unreachable, lead marked unavailable",
			"call_id", pairedID,
			"sales_call_id", callID,
			"status", string(status),
		)
	}

	// Both legs reaching in-progress is one of the transfer preconditions.
	if status == session.StatusInProgress {
		s.transfers.Trigger(r.Context(), callID)
	}

	if status.Terminal() {
		s.reports.DispatchCall(callID)
	}

	w.WriteHeader(http.StatusNoContent)
}

// salesUnreachable reports whether a sales-leg status means no human will
// pick up this call.
func salesUnreachable(st session.Status) bool {
	switch st {
	case session.StatusBusy, session.StatusFailed, session.StatusNoAnswer:
		return true
	default:
		return false
	}
}

// handleAMDWebhook processes an answering-machine-detection result on the
// lead leg. Machine answers flag the session, tell the AI to leave a
// message, and put a connected sales rep on notice.
func (s *Server) handleAMDWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	callID := r.PostFormValue("CallSid")
	answeredBy := r.PostFormValue("AnsweredBy")
	if callID == "" || !strings.HasPrefix(answeredBy, "machine") {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var (
		newlyFlagged bool
		lead         session.LeadInfo
	)
	tracked := s.registry.Upsert(callID, func(sess *session.Session) {
		newlyFlagged = sess.MarkVoicemail()
		if newlyFlagged {
			sess.Flags.VoicemailNoticeSent = true
		}
		lead = sess.Lead
	})
	if !tracked || !newlyFlagged {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.logger.Info("machine answer detected", "call_id", callID, "answered_by", answeredBy)

	if !s.relays.Instruct(r.Context(), callID, pipeline.VoicemailInstruction(lead)) {
		s.logger.Warn("no active relay for voicemail instruction", "call_id", callID)
	}

	// The coordinator notifies a waiting sales rep that the lead hit
	// voicemail instead of starting a transfer.
	s.transfers.Trigger(r.Context(), callID)

	w.WriteHeader(http.StatusNoContent)
}

// handleConferenceWebhook feeds conference participant events to the
// transfer coordinator.
func (s *Server) handleConferenceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	room := r.PostFormValue("FriendlyName")
	callID := r.PostFormValue("CallSid")
	event := r.PostFormValue("StatusCallbackEvent")

	if room == "" || callID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch event {
	case "participant-join":
		s.transfers.HandleJoin(room, callID)
	case "participant-leave":
		s.transfers.HandleLeave(room, callID)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStream upgrades the media-stream connection and hands it to a
// relay. The relay owns the socket from here; one relay per call.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	s.relays.Handle(r.Context(), conn)
}
