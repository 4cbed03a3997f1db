// Package domain contains the durable webhook backlog models.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventStatus is the backlog row lifecycle.
type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusProcessed EventStatus = "processed"
)

// WebhookEvent is one accepted-but-not-yet-fully-processed delivery.
// Rows are the source of truth consulted during crash recovery; the
// in-memory per-tenant queue is a cache over them.
type WebhookEvent struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	TenantID      snowflake.ID   `gorm:"not null;index:ix_webhook_queue_tenant_status"`
	ReceiptNumber string         `gorm:"type:text;not null;index"`
	Payload       datatypes.JSON `gorm:"type:jsonb;not null"`
	Status        EventStatus    `gorm:"type:text;not null;default:'pending';index:ix_webhook_queue_tenant_status"`
	Attempts      int            `gorm:"not null;default:0"`
	ErrorMessage  string         `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ProcessedAt   *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_queue" }

// Repository persists accepted webhook deliveries until fully handled.
type Repository interface {
	// Insert records a pending row; inserting the same (tenant, receipt
	// number) while a pending row exists is a no-op returning the row.
	Insert(ctx context.Context, event *WebhookEvent) (*WebhookEvent, error)

	ListPending(ctx context.Context, tenantID snowflake.ID) ([]*WebhookEvent, error)
	PendingTenants(ctx context.Context) ([]snowflake.ID, error)

	// Delete removes the backlog row once the receipt outcome is durable.
	Delete(ctx context.Context, tenantID snowflake.ID, receiptNumber string) error

	// RecordError bumps attempts and keeps the row pending for later
	// reconciliation.
	RecordError(ctx context.Context, tenantID snowflake.ID, receiptNumber string, cause error) error
}
