// Package callback is the boundary to the retry/redial scheduler. The
// orchestrator only records what the lead asked for; when the redial
// actually happens is the scheduler's business.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bridgecall/bridgecall/internal/database"
	"github.com/bridgecall/bridgecall/internal/database/models"
	"github.com/bridgecall/bridgecall/internal/intent"
)

// CallContext is the information handed to the tracker alongside a
// callback request.
type CallContext struct {
	PhoneNumber   string               `json:"phone_number"`
	LeadName      string               `json:"lead_name,omitempty"`
	CareReason    string               `json:"care_reason,omitempty"`
	CareRecipient string               `json:"care_recipient,omitempty"`
	CallbackTime  intent.TimeReference `json:"callback_time"`
}

// Tracker records a lead's requested callback time for later outbound
// redial.
type Tracker interface {
	TrackCall(ctx context.Context, leadID, sessionID string, info CallContext) error
}

// StoreTracker persists callback requests to the database for the outbound
// scheduler to pick up.
type StoreTracker struct {
	repo   database.CallbackRequestRepository
	logger *slog.Logger
}

// NewStoreTracker creates a database-backed tracker.
func NewStoreTracker(repo database.CallbackRequestRepository, logger *slog.Logger) *StoreTracker {
	return &StoreTracker{
		repo:   repo,
		logger: logger.With("subsystem", "callback-tracker"),
	}
}

// TrackCall records the request. The write is best-effort from the caller's
// perspective; failures surface as an error for logging but never block the
// call.
func (t *StoreTracker) TrackCall(ctx context.Context, leadID, sessionID string, info CallContext) error {
	timeJSON, err := json.Marshal(info.CallbackTime)
	if err != nil {
		return fmt.Errorf("encoding callback time: %w", err)
	}

	req := &models.CallbackRequest{
		LeadID:        leadID,
		SessionID:     sessionID,
		PhoneNumber:   info.PhoneNumber,
		LeadName:      info.LeadName,
		CareReason:    info.CareReason,
		CareRecipient: info.CareRecipient,
		TimeFields:    string(timeJSON),
	}
	if err := t.repo.Create(ctx, req); err != nil {
		return fmt.Errorf("recording callback request: %w", err)
	}

	t.logger.Info("callback request tracked",
		"lead_id", leadID,
		"session_id", sessionID,
		"phone_number", info.PhoneNumber,
	)
	return nil
}
