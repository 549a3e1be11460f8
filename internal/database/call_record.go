package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bridgecall/bridgecall/internal/database/models"
)

// callRecordRepo implements CallRecordRepository.
type callRecordRepo struct {
	db *DB
}

// NewCallRecordRepository creates a new CallRecordRepository.
func NewCallRecordRepository(db *DB) CallRecordRepository {
	return &callRecordRepo{db: db}
}

// Create inserts a new call record.
func (r *callRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, sales_call_id, conversation_id,
		 disposition, transfer_state, is_voicemail, sales_unavail, lead_name,
		 lead_phone, care_reason, care_recipient, transcripts, summary,
		 reported, report_error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.SalesCallID, rec.ConversationID, rec.Disposition,
		rec.TransferState, rec.IsVoicemail, rec.SalesUnavail, rec.LeadName,
		rec.LeadPhone, rec.CareReason, rec.CareRecipient, rec.Transcripts,
		rec.Summary, rec.Reported, rec.ReportError, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// GetByCallID returns a record by provider call ID, or nil if absent.
func (r *callRecordRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	rec := &models.CallRecord{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, call_id, sales_call_id, conversation_id, disposition,
		 transfer_state, is_voicemail, sales_unavail, lead_name, lead_phone,
		 care_reason, care_recipient, transcripts, summary, reported,
		 report_error, started_at, ended_at, created_at
		 FROM call_records WHERE call_id = ?`, callID,
	).Scan(
		&rec.ID, &rec.CallID, &rec.SalesCallID, &rec.ConversationID,
		&rec.Disposition, &rec.TransferState, &rec.IsVoicemail, &rec.SalesUnavail,
		&rec.LeadName, &rec.LeadPhone, &rec.CareReason, &rec.CareRecipient,
		&rec.Transcripts, &rec.Summary, &rec.Reported, &rec.ReportError,
		&rec.StartedAt, &rec.EndedAt, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call record: %w", err)
	}
	return rec, nil
}

// List returns call records newest-first, along with the total count.
func (r *callRecordRepo) List(ctx context.Context, limit, offset int) ([]models.CallRecord, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_records").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call records: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, sales_call_id, conversation_id, disposition,
		 transfer_state, is_voicemail, sales_unavail, lead_name, lead_phone,
		 care_reason, care_recipient, transcripts, summary, reported,
		 report_error, started_at, ended_at, created_at
		 FROM call_records ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var records []models.CallRecord
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(
			&rec.ID, &rec.CallID, &rec.SalesCallID, &rec.ConversationID,
			&rec.Disposition, &rec.TransferState, &rec.IsVoicemail, &rec.SalesUnavail,
			&rec.LeadName, &rec.LeadPhone, &rec.CareReason, &rec.CareRecipient,
			&rec.Transcripts, &rec.Summary, &rec.Reported, &rec.ReportError,
			&rec.StartedAt, &rec.EndedAt, &rec.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scanning call record: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// CountReported returns the number of records whose report webhook fired.
func (r *callRecordRepo) CountReported(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM call_records WHERE reported = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting reported records: %w", err)
	}
	return count, nil
}
