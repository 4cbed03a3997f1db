package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/slyretail/fiscalbridge/internal/backlog/domain"
	"gorm.io/gorm"
)

type repo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func Provide(db *gorm.DB, genID *snowflake.Node) domain.Repository {
	return &repo{db: db, genID: genID}
}

func (r *repo) Insert(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, error) {
	var existing domain.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND receipt_number = ? AND status = ?",
			event.TenantID, event.ReceiptNumber, domain.EventStatusPending).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	event.Status = domain.EventStatusPending
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

func (r *repo) ListPending(ctx context.Context, tenantID snowflake.ID) ([]*domain.WebhookEvent, error) {
	var events []*domain.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, domain.EventStatusPending).
		Order("created_at asc, id asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) PendingTenants(ctx context.Context) ([]snowflake.ID, error) {
	var tenants []snowflake.ID
	err := r.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("status = ?", domain.EventStatusPending).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func (r *repo) Delete(ctx context.Context, tenantID snowflake.ID, receiptNumber string) error {
	return r.db.WithContext(ctx).
		Where("tenant_id = ? AND receipt_number = ?", tenantID, receiptNumber).
		Delete(&domain.WebhookEvent{}).Error
}

func (r *repo) RecordError(ctx context.Context, tenantID snowflake.ID, receiptNumber string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("tenant_id = ? AND receipt_number = ? AND status = ?",
			tenantID, receiptNumber, domain.EventStatusPending).
		Updates(map[string]any{
			"attempts":      gorm.Expr("attempts + 1"),
			"error_message": msg,
		}).Error
}
