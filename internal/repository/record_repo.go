package repository

import (
	"context"
	"errors"
	"time"

	"github.com/courierhq/email-courier/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type ListParams struct {
	UserID string
	Status *domain.Status
	Page   int
	Limit  int
}

// RecordRepository is the durable delivery log keyed by request id. It is
// the source of truth for idempotency and retry accounting, so every
// status-changing method must be a single atomic statement guarded
// against terminal states.
type RecordRepository interface {
	GetByRequestID(ctx context.Context, requestID string) (*domain.Record, error)
	CreateOrGet(ctx context.Context, record *domain.Record) (*domain.Record, bool, error)
	MarkDelivered(ctx context.Context, requestID string) error
	MarkRetry(ctx context.Context, requestID string, errMsg string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, requestID string, errMsg string) error
	List(ctx context.Context, params ListParams) ([]domain.Record, int64, error)
	GetDueForRetry(ctx context.Context, limit int) ([]domain.Record, error)
	ClearNextRetryAt(ctx context.Context, requestID string) error
}

var terminalStatuses = []domain.Status{domain.StatusDelivered, domain.StatusFailed}

type GormRecordRepo struct {
	db *gorm.DB
}

func NewGormRecordRepo(db *gorm.DB) *GormRecordRepo {
	return &GormRecordRepo{db: db}
}

func (r *GormRecordRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.Record, error) {
	var model RecordModel
	err := r.db.WithContext(ctx).First(&model, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordModelToDomain(&model), nil
}

// CreateOrGet atomically inserts the record or returns the existing one for
// the same request id. A concurrent redelivery racing on the same id never
// produces a duplicate: the unique-constrained insert is a no-op on
// conflict and the existing row is re-read instead.
func (r *GormRecordRepo) CreateOrGet(ctx context.Context, record *domain.Record) (*domain.Record, bool, error) {
	model := recordModelFromDomain(record)
	model.Status = domain.StatusProcessing

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return recordModelToDomain(model), true, nil
	}

	existing, err := r.GetByRequestID(ctx, record.RequestID)
	if err != nil {
		return nil, false, err
	}

	// Re-entered work resumes from processing unless the record is terminal.
	if !existing.Status.IsTerminal() && existing.Status != domain.StatusProcessing {
		update := r.db.WithContext(ctx).
			Model(&RecordModel{}).
			Where("request_id = ? AND status NOT IN ?", record.RequestID, terminalStatuses).
			Update("status", domain.StatusProcessing)
		if update.Error != nil {
			return nil, false, update.Error
		}
		if update.RowsAffected == 1 {
			existing.Status = domain.StatusProcessing
		}
	}

	return existing, false, nil
}

func (r *GormRecordRepo) MarkDelivered(ctx context.Context, requestID string) error {
	return r.markResult(ctx, requestID, map[string]any{
		"status":        domain.StatusDelivered,
		"error":         "",
		"attempts":      gorm.Expr("attempts + 1"),
		"next_retry_at": nil,
	})
}

func (r *GormRecordRepo) MarkRetry(ctx context.Context, requestID string, errMsg string, nextRetryAt time.Time) error {
	return r.markResult(ctx, requestID, map[string]any{
		"status":        domain.StatusPending,
		"error":         errMsg,
		"attempts":      gorm.Expr("attempts + 1"),
		"next_retry_at": nextRetryAt,
	})
}

func (r *GormRecordRepo) MarkFailed(ctx context.Context, requestID string, errMsg string) error {
	return r.markResult(ctx, requestID, map[string]any{
		"status":        domain.StatusFailed,
		"error":         errMsg,
		"attempts":      gorm.Expr("attempts + 1"),
		"next_retry_at": nil,
	})
}

// markResult applies one atomic result transition. Attempts are
// incremented server-side so they can never decrease, and terminal rows
// are excluded so delivered/failed records stay immutable.
func (r *GormRecordRepo) markResult(ctx context.Context, requestID string, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("request_id = ? AND status NOT IN ?", requestID, terminalStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByRequestID(ctx, requestID); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRecordRepo) List(ctx context.Context, params ListParams) ([]domain.Record, int64, error) {
	query := r.db.WithContext(ctx).Model(&RecordModel{})

	if params.UserID != "" {
		query = query.Where("user_id = ?", params.UserID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	limit := params.Limit
	if limit < 1 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	var models []RecordModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	records := make([]domain.Record, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, total, nil
}

func (r *GormRecordRepo) GetDueForRetry(ctx context.Context, limit int) ([]domain.Record, error) {
	var models []RecordModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", domain.StatusPending, time.Now()).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.Record, 0, len(models))
	for i := range models {
		records = append(records, *recordModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormRecordRepo) ClearNextRetryAt(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Model(&RecordModel{}).
		Where("request_id = ?", requestID).
		Update("next_retry_at", nil).Error
}
