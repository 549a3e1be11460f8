package models

import "time"

// CallRecord is the persisted outcome of one completed call transaction
// (lead leg plus optional sales leg). One row is written per lead call at
// end-of-call, whether or not the report webhook fired.
type CallRecord struct {
	ID             int64
	CallID         string
	SalesCallID    string
	ConversationID string
	Disposition    string // final lead-leg status
	TransferState  string
	IsVoicemail    bool
	SalesUnavail   bool
	LeadName       string
	LeadPhone      string
	CareReason     string
	CareRecipient  string
	Transcripts    string // JSON
	Summary        string
	Reported       bool
	ReportError    string
	StartedAt      time.Time
	EndedAt        time.Time
	CreatedAt      time.Time
}

// CallbackRequest is a lead's requested redial, recorded by the callback
// tracker for the outbound scheduler to act on later.
type CallbackRequest struct {
	ID            int64
	LeadID        string
	SessionID     string
	PhoneNumber   string
	LeadName      string
	CareReason    string
	CareRecipient string
	TimeFields    string // JSON-encoded detected time reference
	Status        string // "pending" | "scheduled" | "done"
	CreatedAt     time.Time
}

// Callback request statuses.
const (
	CallbackPending   = "pending"
	CallbackScheduled = "scheduled"
	CallbackDone      = "done"
)
