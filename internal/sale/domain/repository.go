package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrReceiptNotFound = errors.New("receipt_not_found")
	ErrInvalidReceipt  = errors.New("invalid_receipt")
)

// Repository persists canonical sales and the failed-submission ledger.
// SaveSubmitted and SaveFailed run in one transaction so that a receipt
// number is never both submitted in sales and present in failed_receipts.
type Repository interface {
	FindByReceipt(ctx context.Context, tenantID snowflake.ID, receiptNumber string) (*Sale, error)
	Insert(ctx context.Context, sale *Sale) error

	// SaveSubmitted upserts the sale as fiscalized and removes any
	// failed_receipts row for the same receipt number.
	SaveSubmitted(ctx context.Context, sale *Sale) error

	// SaveFailed upserts the sale as unsubmitted and records (or bumps)
	// the failed_receipts ledger row.
	SaveFailed(ctx context.Context, sale *Sale) error

	ListFailed(ctx context.Context, tenantID snowflake.ID) ([]*FailedReceipt, error)
	DeleteFailed(ctx context.Context, tenantID snowflake.ID, receiptNumber string) error
	FindFailed(ctx context.Context, tenantID snowflake.ID, receiptNumber string) (*FailedReceipt, error)
}
