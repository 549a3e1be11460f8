package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bridgecall/bridgecall/internal/database/models"
)

// callbackRequestRepo implements CallbackRequestRepository.
type callbackRequestRepo struct {
	db *DB
}

// NewCallbackRequestRepository creates a new CallbackRequestRepository.
func NewCallbackRequestRepository(db *DB) CallbackRequestRepository {
	return &callbackRequestRepo{db: db}
}

// Create inserts a new callback request in pending status.
func (r *callbackRequestRepo) Create(ctx context.Context, req *models.CallbackRequest) error {
	if req.Status == "" {
		req.Status = models.CallbackPending
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO callback_requests (lead_id, session_id, phone_number,
		 lead_name, care_reason, care_recipient, time_fields, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.LeadID, req.SessionID, req.PhoneNumber, req.LeadName,
		req.CareReason, req.CareRecipient, req.TimeFields, req.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting callback request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	req.ID = id
	return nil
}

// GetBySessionID returns the request recorded for a session, or nil.
func (r *callbackRequestRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.CallbackRequest, error) {
	req := &models.CallbackRequest{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, lead_id, session_id, phone_number, lead_name, care_reason,
		 care_recipient, time_fields, status, created_at
		 FROM callback_requests WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	).Scan(
		&req.ID, &req.LeadID, &req.SessionID, &req.PhoneNumber, &req.LeadName,
		&req.CareReason, &req.CareRecipient, &req.TimeFields, &req.Status,
		&req.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying callback request: %w", err)
	}
	return req, nil
}

// ListPending returns all requests still awaiting scheduling, oldest first.
func (r *callbackRequestRepo) ListPending(ctx context.Context) ([]models.CallbackRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, lead_id, session_id, phone_number, lead_name, care_reason,
		 care_recipient, time_fields, status, created_at
		 FROM callback_requests WHERE status = ? ORDER BY id`,
		models.CallbackPending,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pending callback requests: %w", err)
	}
	defer rows.Close()

	var requests []models.CallbackRequest
	for rows.Next() {
		var req models.CallbackRequest
		if err := rows.Scan(
			&req.ID, &req.LeadID, &req.SessionID, &req.PhoneNumber, &req.LeadName,
			&req.CareReason, &req.CareRecipient, &req.TimeFields, &req.Status,
			&req.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning callback request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// UpdateStatus moves a request between scheduling states.
func (r *callbackRequestRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE callback_requests SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("updating callback request status: %w", err)
	}
	return nil
}
