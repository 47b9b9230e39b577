package repository

import (
	"time"

	"github.com/courierhq/email-courier/internal/domain"
)

// RecordModel is the persistence model for the notification_records table.
type RecordModel struct {
	RequestID        string         `gorm:"type:varchar(255);primaryKey"`
	NotificationType domain.Type    `gorm:"type:varchar(10);not null;default:'email'"`
	UserID           string         `gorm:"type:varchar(255);not null"`
	ToAddress        string         `gorm:"type:varchar(255)"`
	TemplateCode     string         `gorm:"type:varchar(100);not null"`
	Variables        map[string]any `gorm:"serializer:json;type:jsonb"`
	Priority         int            `gorm:"not null;default:10"`
	Metadata         map[string]any `gorm:"serializer:json;type:jsonb"`
	Status           domain.Status  `gorm:"type:varchar(20);not null"`
	Attempts         int            `gorm:"not null;default:0"`
	Error            string         `gorm:"type:text"`
	NextRetryAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (RecordModel) TableName() string {
	return "notification_records"
}

func recordModelFromDomain(r *domain.Record) *RecordModel {
	if r == nil {
		return nil
	}

	return &RecordModel{
		RequestID:        r.RequestID,
		NotificationType: r.NotificationType,
		UserID:           r.UserID,
		ToAddress:        r.ToAddress,
		TemplateCode:     r.TemplateCode,
		Variables:        r.Variables,
		Priority:         r.Priority,
		Metadata:         r.Metadata,
		Status:           r.Status,
		Attempts:         r.Attempts,
		Error:            r.Error,
		NextRetryAt:      r.NextRetryAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func recordModelToDomain(m *RecordModel) *domain.Record {
	if m == nil {
		return nil
	}

	return &domain.Record{
		RequestID:        m.RequestID,
		NotificationType: m.NotificationType,
		UserID:           m.UserID,
		ToAddress:        m.ToAddress,
		TemplateCode:     m.TemplateCode,
		Variables:        m.Variables,
		Priority:         m.Priority,
		Metadata:         m.Metadata,
		Status:           m.Status,
		Attempts:         m.Attempts,
		Error:            m.Error,
		NextRetryAt:      m.NextRetryAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
