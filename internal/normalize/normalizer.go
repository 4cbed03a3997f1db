// Package normalize turns raw upstream receipts into canonical sales.
package normalize

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	"go.uber.org/zap"
)

var (
	ErrMissingReceiptNumber = errors.New("missing_receipt_number")
	ErrNoLineItems          = errors.New("receipt_has_no_line_items")
)

// RawReceipt is the upstream platform's receipt payload as delivered by
// the webhook. Only the fields the pipeline consumes are modeled.
type RawReceipt struct {
	ReceiptNumber string       `json:"receipt_number"`
	Type          string       `json:"type"`
	RefundFor     string       `json:"refund_for,omitempty"`
	Store         string       `json:"store"`
	Currency      string       `json:"currency"`
	Total         float64      `json:"total"`
	Items         []RawItem    `json:"items"`
	Payments      []RawPayment `json:"payments"`
}

// RawItem is one upstream line item in major currency units.
type RawItem struct {
	Name     string  `json:"name"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	TaxCode  string  `json:"tax_code"`
}

// RawPayment is one upstream tender line in major currency units.
type RawPayment struct {
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

// Normalizer converts an upstream receipt into a canonical Sale. The
// pipeline depends only on this contract.
type Normalizer interface {
	Normalize(ctx context.Context, tenantID snowflake.ID, raw RawReceipt) (*saledomain.Sale, error)
}

// currencyExponents maps ISO currency codes to minor-unit digits.
var currencyExponents = map[string]int{
	"USD": 2,
	"ZWG": 2,
	"ZAR": 2,
	"BWP": 2,
	"JPY": 0,
}

// taxRates maps upstream tax codes to basis points for line tax amounts.
var taxRates = map[string]int64{
	"A": 1500, // standard
	"B": 0,    // zero-rated
	"C": 0,    // exempt
	"D": 500,  // reduced
}

type normalizer struct {
	log *zap.Logger
}

// New returns the default normalizer.
func New(log *zap.Logger) Normalizer {
	return &normalizer{log: log.Named("normalize")}
}

func (n *normalizer) Normalize(ctx context.Context, tenantID snowflake.ID, raw RawReceipt) (*saledomain.Sale, error) {
	_ = ctx

	receiptNumber := strings.TrimSpace(raw.ReceiptNumber)
	if receiptNumber == "" {
		return nil, ErrMissingReceiptNumber
	}
	if len(raw.Items) == 0 {
		return nil, ErrNoLineItems
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		currency = "USD"
	}
	exponent, ok := currencyExponents[currency]
	if !ok {
		exponent = 2
	}

	sale := &saledomain.Sale{
		TenantID:      tenantID,
		ReceiptNumber: receiptNumber,
		ReceiptType:   receiptType(raw.Type),
		RefundFor:     strings.TrimSpace(raw.RefundFor),
		StoreName:     strings.TrimSpace(raw.Store),
		Currency:      currency,
	}

	var items []saledomain.LineItem
	var totalAmount, totalTax int64
	for _, item := range raw.Items {
		unit := toMinor(item.Price, exponent)
		amount := unit * item.Quantity
		taxCode := strings.ToUpper(strings.TrimSpace(item.TaxCode))
		rate, known := taxRates[taxCode]
		if !known {
			n.log.Debug("unknown tax code, treating as exempt",
				zap.String("receipt", receiptNumber),
				zap.String("tax_code", taxCode),
			)
			rate = 0
		}
		tax := amount * rate / 10000
		items = append(items, saledomain.LineItem{
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitAmount: unit,
			Amount:     amount,
			TaxCode:    taxCode,
			TaxAmount:  tax,
		})
		totalAmount += amount
		totalTax += tax
	}

	var payments []saledomain.Payment
	for _, p := range raw.Payments {
		payments = append(payments, saledomain.Payment{
			Method: strings.TrimSpace(p.Method),
			Amount: toMinor(p.Amount, exponent),
		})
	}

	sale.TotalAmount = totalAmount
	sale.TotalTax = totalTax
	if err := sale.SetLines(items); err != nil {
		return nil, err
	}
	if err := sale.SetPayments(payments); err != nil {
		return nil, err
	}
	return sale, nil
}

func receiptType(raw string) saledomain.ReceiptType {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CREDIT_NOTE", "CREDITNOTE", "REFUND":
		return saledomain.ReceiptTypeCreditNote
	default:
		return saledomain.ReceiptTypeFiscalInvoice
	}
}

func toMinor(major float64, exponent int) int64 {
	factor := math.Pow10(exponent)
	return int64(math.Round(major * factor))
}
