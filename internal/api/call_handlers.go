package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bridgecall/bridgecall/internal/session"
)

// createCallRequest is the body for POST /api/v1/calls.
type createCallRequest struct {
	PhoneNumber   string `json:"phone_number"`
	Name          string `json:"name"`
	CareReason    string `json:"care_reason"`
	CareRecipient string `json:"care_recipient"`
}

// callResponse is returned after placing a call leg.
type callResponse struct {
	CallID      string `json:"call_id"`
	Role        string `json:"role"`
	PairedID    string `json:"paired_id,omitempty"`
	PhoneNumber string `json:"phone_number"`
}

func (req *createCallRequest) validate() string {
	if msg := validatePhoneNumber("phone_number", req.PhoneNumber); msg != "" {
		return msg
	}
	if msg := validateStringLen("name", req.Name, maxNameLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("care_reason", req.CareReason, maxLongStringLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("care_recipient", req.CareRecipient, maxNameLen); msg != "" {
		return msg
	}
	for _, f := range []struct{ name, value string }{
		{"name", req.Name},
		{"care_reason", req.CareReason},
		{"care_recipient", req.CareRecipient},
	} {
		if msg := validateNoControlChars(f.name, f.value); msg != "" {
			return msg
		}
	}
	return ""
}

// handleCreateCall places the outbound lead leg and registers its session.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	callID, err := s.phone.PlaceCall(r.Context(), req.PhoneNumber)
	if err != nil {
		s.logger.Error("placing lead call failed", "to", req.PhoneNumber, "error", err)
		writeError(w, http.StatusBadGateway, "placing call failed")
		return
	}

	s.registry.Create(callID, session.RoleLead, session.LeadInfo{
		PhoneNumber:   req.PhoneNumber,
		Name:          req.Name,
		CareReason:    req.CareReason,
		CareRecipient: req.CareRecipient,
	})

	s.logger.Info("lead call placed", "call_id", callID, "to", req.PhoneNumber)
	writeJSON(w, http.StatusCreated, callResponse{
		CallID:      callID,
		Role:        string(session.RoleLead),
		PhoneNumber: req.PhoneNumber,
	})
}

// handleCreateSalesCall places the sales leg paired with an existing lead
// call and dials the configured sales line.
func (s *Server) handleCreateSalesCall(w http.ResponseWriter, r *http.Request) {
	leadID := chi.URLParam(r, "id")

	lead, ok := s.registry.Get(leadID)
	if !ok || lead.Role != session.RoleLead {
		writeError(w, http.StatusNotFound, "lead call not found")
		return
	}
	if lead.PairedID != "" {
		writeError(w, http.StatusConflict, "sales leg already placed")
		return
	}

	greeting := "Please hold while we connect you with a caller."
	if lead.Lead.Name != "" {
		greeting = fmt.Sprintf("Please hold. We are connecting you with %s.", lead.Lead.Name)
	}

	salesID, err := s.phone.PlaceSalesCall(r.Context(), s.cfg.SalesNumber, greeting)
	if err != nil {
		s.logger.Error("placing sales call failed", "lead_call_id", leadID, "error", err)
		writeError(w, http.StatusBadGateway, "placing call failed")
		return
	}

	s.registry.Create(salesID, session.RoleSales, session.LeadInfo{})
	s.registry.Pair(leadID, salesID)

	s.logger.Info("sales call placed", "call_id", salesID, "lead_call_id", leadID)
	writeJSON(w, http.StatusCreated, callResponse{
		CallID:      salesID,
		Role:        string(session.RoleSales),
		PairedID:    leadID,
		PhoneNumber: s.cfg.SalesNumber,
	})
}

// handleListCallRecords returns persisted call records, newest first.
func (s *Server) handleListCallRecords(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	rows, total, err := s.records.List(r.Context(), pg.Limit, pg.Offset)
	if err != nil {
		s.logger.Error("listing call records failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing call records failed")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  rows,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCallRecord returns the persisted record for one call.
func (s *Server) handleGetCallRecord(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")

	rec, err := s.records.GetByCallID(r.Context(), callID)
	if err != nil {
		s.logger.Error("fetching call record failed", "call_id", callID, "error", err)
		writeError(w, http.StatusInternalServerError, "fetching call record failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "call record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
