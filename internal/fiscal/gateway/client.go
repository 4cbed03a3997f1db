// Package gateway implements the HTTP client for the tax authority's
// fiscal device gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/slyretail/fiscalbridge/internal/config"
	"github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	"go.uber.org/zap"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds the gateway adapter. All loose payload parsing stays
// behind this boundary; callers only ever see the typed SubmitResult.
func NewClient(cfg config.Config, log *zap.Logger) domain.Gateway {
	timeout := cfg.Gateway.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.Gateway.BaseURL), "/"),
		token:   cfg.Gateway.TaxpayerToken,
		http:    &http.Client{Timeout: timeout},
		log:     log.Named("fiscal.gateway"),
	}
}

type receiptLine struct {
	Description string `json:"receiptLineName"`
	Quantity    int64  `json:"receiptLineQuantity"`
	UnitPrice   int64  `json:"receiptLinePrice"`
	Total       int64  `json:"receiptLineTotal"`
	TaxCode     string `json:"taxCode"`
	TaxAmount   int64  `json:"taxAmount"`
}

type receiptPayment struct {
	MoneyTypeCode string `json:"moneyTypeCode"`
	Amount        int64  `json:"paymentAmount"`
}

type submitRequest struct {
	DeviceID            int64            `json:"deviceID"`
	ReceiptType         string           `json:"receiptType"`
	ReceiptCurrency     string           `json:"receiptCurrency"`
	ReceiptGlobalNo     int64            `json:"receiptGlobalNo"`
	ReceiptCounter      int64            `json:"receiptCounter"`
	InvoiceNo           string           `json:"invoiceNo"`
	ReceiptTotal        int64            `json:"receiptTotal"`
	ReceiptLines        []receiptLine    `json:"receiptLines"`
	ReceiptPayments     []receiptPayment `json:"receiptPayments"`
	CreditNoteInvoiceNo string           `json:"creditNoteInvoiceNo,omitempty"`
	ReceiptDate         string           `json:"receiptDate"`
}

type submitResponse struct {
	ReceiptID        int64  `json:"receiptID"`
	ReceiptGlobalNo  int64  `json:"receiptGlobalNo"`
	ReceiptCounter   int64  `json:"receiptCounter"`
	ReceiptHash      string `json:"receiptHash"`
	QRData           string `json:"qrData"`
	ServerSignature  string `json:"receiptServerSignature"`
	FiscalDayStatus  string `json:"fiscalDayStatus"`
	ValidationErrors []struct {
		Field   string `json:"field"`
		Code    string `json:"validationErrorCode"`
		Message string `json:"validationErrorText"`
	} `json:"validationErrors"`
	Message string `json:"message"`
}

func (c *client) SubmitReceipt(ctx context.Context, cred *domain.DeviceCredential, s *saledomain.Sale) domain.SubmitResult {
	lines, err := s.Lines()
	if err != nil {
		return domain.SubmitRejected{Message: fmt.Sprintf("undecodable line items: %v", err)}
	}

	req := submitRequest{
		DeviceID:        cred.DeviceID,
		ReceiptType:     receiptTypeCode(s.ReceiptType),
		ReceiptCurrency: s.Currency,
		ReceiptGlobalNo: cred.NextGlobalNumber,
		ReceiptCounter:  cred.NextReceiptCounter,
		InvoiceNo:       s.ReceiptNumber,
		ReceiptTotal:    s.TotalAmount,
		ReceiptDate:     time.Now().UTC().Format(time.RFC3339),
	}
	if s.ReceiptType == saledomain.ReceiptTypeCreditNote {
		req.CreditNoteInvoiceNo = s.RefundFor
	}
	for _, line := range lines {
		req.ReceiptLines = append(req.ReceiptLines, receiptLine{
			Description: line.Name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitAmount,
			Total:       line.Amount,
			TaxCode:     line.TaxCode,
			TaxAmount:   line.TaxAmount,
		})
	}
	var payments []saledomain.Payment
	if len(s.Payments) > 0 {
		if err := json.Unmarshal(s.Payments, &payments); err != nil {
			return domain.SubmitRejected{Message: fmt.Sprintf("undecodable payments: %v", err)}
		}
	}
	for _, p := range payments {
		req.ReceiptPayments = append(req.ReceiptPayments, receiptPayment{
			MoneyTypeCode: p.Method,
			Amount:        p.Amount,
		})
	}

	url := fmt.Sprintf("%s/Device/v1/%d/SubmitReceipt", c.baseURL, cred.DeviceID)
	resp, err := c.post(ctx, url, req)
	if err != nil {
		return domain.SubmitTransportFailure{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SubmitTransportFailure{Cause: err}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.SubmitTransportFailure{
			Cause: fmt.Errorf("gateway returned %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}

	var parsed submitResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.SubmitTransportFailure{
			Cause: fmt.Errorf("undecodable gateway response (%d): %w", resp.StatusCode, err),
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || len(parsed.ValidationErrors) > 0 {
		rejected := domain.SubmitRejected{
			Message:   parsed.Message,
			DayStatus: domain.DayStatus(parsed.FiscalDayStatus),
		}
		for _, ve := range parsed.ValidationErrors {
			rejected.Fields = append(rejected.Fields, domain.FieldError{
				Field:   ve.Field,
				Code:    ve.Code,
				Message: ve.Message,
			})
		}
		if rejected.Message == "" && len(rejected.Fields) > 0 {
			rejected.Message = rejected.Fields[0].Message
		}
		return rejected
	}

	return domain.SubmitAccepted{
		ReceiptGlobalNumber: parsed.ReceiptGlobalNo,
		ReceiptCounter:      parsed.ReceiptCounter,
		ReceiptHash:         parsed.ReceiptHash,
		QRData:              parsed.QRData,
		ServerSignature:     parsed.ServerSignature,
		DayStatus:           domain.DayStatus(parsed.FiscalDayStatus),
	}
}

type closeDayRequest struct {
	DeviceID    int64 `json:"deviceID"`
	FiscalDayNo int64 `json:"fiscalDayNo"`
}

type closeDayResponse struct {
	FiscalDayStatus string `json:"fiscalDayStatus"`
	Message         string `json:"message"`
}

func (c *client) CloseDay(ctx context.Context, cred *domain.DeviceCredential, fiscalDayNo int64) error {
	url := fmt.Sprintf("%s/Device/v1/%d/CloseDay", c.baseURL, cred.DeviceID)
	resp, err := c.post(ctx, url, closeDayRequest{DeviceID: cred.DeviceID, FiscalDayNo: fiscalDayNo})
	if err != nil {
		return fmt.Errorf("close day: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("close day: %w", err)
	}

	var parsed closeDayResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("close day: undecodable response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest ||
		domain.DayStatus(parsed.FiscalDayStatus) == domain.DayStatusCloseFailed {
		msg := parsed.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", domain.ErrDayCloseFailed, msg)
	}
	return nil
}

func (c *client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func receiptTypeCode(t saledomain.ReceiptType) string {
	if t == saledomain.ReceiptTypeCreditNote {
		return "CreditNote"
	}
	return "FiscalInvoice"
}

func truncate(body []byte, n int) string {
	s := string(body)
	if len(s) > n {
		return s[:n]
	}
	return s
}
