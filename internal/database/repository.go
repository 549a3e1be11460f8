package database

import (
	"context"

	"github.com/bridgecall/bridgecall/internal/database/models"
)

// CallRecordRepository persists post-call records.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	List(ctx context.Context, limit, offset int) ([]models.CallRecord, int, error)
	CountReported(ctx context.Context) (int64, error)
}

// CallbackRequestRepository persists requested redials for the outbound
// scheduler.
type CallbackRequestRepository interface {
	Create(ctx context.Context, req *models.CallbackRequest) error
	GetBySessionID(ctx context.Context, sessionID string) (*models.CallbackRequest, error)
	ListPending(ctx context.Context) ([]models.CallbackRequest, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
}
