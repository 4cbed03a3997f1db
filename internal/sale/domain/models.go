// Package domain contains persistence models for canonical fiscal receipts.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ReceiptType distinguishes sales from refunds.
type ReceiptType string

const (
	ReceiptTypeFiscalInvoice ReceiptType = "FISCAL_INVOICE"
	ReceiptTypeCreditNote    ReceiptType = "CREDIT_NOTE"
)

// SubmissionRoute records which path carried the receipt to the gateway.
type SubmissionRoute string

const (
	SubmissionRouteOnline SubmissionRoute = "ONLINE"
	SubmissionRouteRetry  SubmissionRoute = "RETRY"
	SubmissionRouteNone   SubmissionRoute = "NONE"
)

// LineItem is one line on a canonical receipt.
type LineItem struct {
	Name       string `json:"name"`
	Quantity   int64  `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
	Amount     int64  `json:"amount"`
	TaxCode    string `json:"tax_code"`
	TaxAmount  int64  `json:"tax_amount"`
}

// Payment is one tender line on a canonical receipt.
type Payment struct {
	Method string `json:"method"`
	Amount int64  `json:"amount"`
}

// Sale is the canonical fiscal receipt, created once per receipt number
// and updated in place on resubmission.
type Sale struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TenantID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_sales_receipt"`
	ReceiptNumber string       `gorm:"type:text;not null;uniqueIndex:ux_sales_receipt"`
	ReceiptType   ReceiptType  `gorm:"type:text;not null;default:'FISCAL_INVOICE'"`
	RefundFor     string       `gorm:"type:text"`
	StoreName     string       `gorm:"type:text;index"`
	Currency      string       `gorm:"type:text;not null"`
	TotalAmount   int64        `gorm:"not null;default:0"`
	TotalTax      int64        `gorm:"not null;default:0"`

	LineItems datatypes.JSON `gorm:"type:jsonb"`
	Payments  datatypes.JSON `gorm:"type:jsonb"`

	FiscalSubmitted      bool            `gorm:"not null;default:false"`
	SubmissionSkipped    bool            `gorm:"not null;default:false"`
	FiscalError          string          `gorm:"type:text"`
	FiscalDiagnostics    datatypes.JSON  `gorm:"type:jsonb"`
	FiscalDeviceID       int64           `gorm:"not null;default:0"`
	FiscalReceiptCounter int64           `gorm:"not null;default:0"`
	FiscalGlobalNumber   int64           `gorm:"not null;default:0"`
	FiscalHash           string          `gorm:"type:text"`
	FiscalQRData         string          `gorm:"type:text"`
	SubmissionRoute      SubmissionRoute `gorm:"type:text;not null;default:'NONE'"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Sale) TableName() string { return "sales" }

// Lines decodes the persisted line items.
func (s *Sale) Lines() ([]LineItem, error) {
	if len(s.LineItems) == 0 {
		return nil, nil
	}
	var items []LineItem
	if err := json.Unmarshal(s.LineItems, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SetLines encodes line items onto the row.
func (s *Sale) SetLines(items []LineItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	s.LineItems = raw
	return nil
}

// SetPayments encodes payment lines onto the row.
func (s *Sale) SetPayments(payments []Payment) error {
	raw, err := json.Marshal(payments)
	if err != nil {
		return err
	}
	s.Payments = raw
	return nil
}

// FailedReceipt mirrors a Sale whose fiscal submission did not succeed.
// A receipt number present here must never also be marked submitted in sales.
type FailedReceipt struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TenantID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_failed_receipt"`
	ReceiptNumber string       `gorm:"type:text;not null;uniqueIndex:ux_failed_receipt"`
	ReceiptType   ReceiptType  `gorm:"type:text;not null;default:'FISCAL_INVOICE'"`
	StoreName     string       `gorm:"type:text"`
	FiscalError   string       `gorm:"type:text"`
	Attempts      int          `gorm:"not null;default:1"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FailedReceipt) TableName() string { return "failed_receipts" }
