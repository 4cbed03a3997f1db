package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
)

var (
	ErrDeviceNotFound      = errors.New("fiscal_device_not_found")
	ErrDayNotOpen          = errors.New("fiscal_day_not_open")
	ErrDayCloseFailed      = errors.New("fiscal_day_close_failed")
	ErrManualOnly          = errors.New("fiscal_day_requires_manual_close")
	ErrCloseReasonRequired = errors.New("close_reason_required")
)

// FieldError is one gateway validation complaint.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitResult is the typed outcome of one gateway submission. Exactly one
// of the three variants is returned; parsing of loose gateway payloads stays
// inside the gateway adapter.
type SubmitResult interface {
	submitResult()
}

// SubmitAccepted carries the certification material the gateway returned.
type SubmitAccepted struct {
	ReceiptGlobalNumber int64
	ReceiptCounter      int64
	ReceiptHash         string
	QRData              string
	ServerSignature     string
	DayStatus           DayStatus
}

func (SubmitAccepted) submitResult() {}

// SubmitRejected means the gateway refused the receipt on validation grounds.
// DayStatus carries whatever day state the rejection response reported, so
// the credential mirror is not limited to accepted submissions.
type SubmitRejected struct {
	Message   string
	Fields    []FieldError
	DayStatus DayStatus
}

func (SubmitRejected) submitResult() {}

// Error renders the rejection for persistence in fiscal_error columns.
func (r SubmitRejected) Error() string {
	if r.Message != "" {
		return r.Message
	}
	return "receipt rejected by fiscal gateway"
}

// SubmitTransportFailure means the gateway was unreachable or returned a
// non-protocol response; the receipt is retryable.
type SubmitTransportFailure struct {
	Cause error
}

func (SubmitTransportFailure) submitResult() {}

func (f SubmitTransportFailure) Error() string {
	if f.Cause != nil {
		return f.Cause.Error()
	}
	return "fiscal gateway transport failure"
}

// Gateway is the fiscal authority client. Submissions run to completion or
// time out per the HTTP client's timeout; timeouts surface as transport
// failures.
type Gateway interface {
	SubmitReceipt(ctx context.Context, cred *DeviceCredential, s *saledomain.Sale) SubmitResult
	CloseDay(ctx context.Context, cred *DeviceCredential, fiscalDayNo int64) error
}

// DeviceRepository persists per-device fiscal credentials and counters.
type DeviceRepository interface {
	FindByTenant(ctx context.Context, tenantID snowflake.ID) (*DeviceCredential, error)
	FindByDeviceID(ctx context.Context, deviceID int64) (*DeviceCredential, error)
	Save(ctx context.Context, cred *DeviceCredential) error
}

// DayRepository persists the per-device fiscal day history.
type DayRepository interface {
	FindOpen(ctx context.Context, deviceID int64) (*FiscalDay, error)
	Insert(ctx context.Context, day *FiscalDay) error
	Save(ctx context.Context, day *FiscalDay) error
}

// DayService drives the fiscal day lifecycle.
type DayService interface {
	// EnsureOpen records the current trading day for a device, creating
	// the row on the first submission of the day.
	EnsureOpen(ctx context.Context, deviceID int64) (*FiscalDay, error)

	// AutoClose is invoked by the submission pipeline once a submission
	// reports a terminal day status. A CloseFailed day is never retried
	// automatically.
	AutoClose(ctx context.Context, deviceID int64) error

	// ManualClose is the operator escape hatch for CloseFailed days; the
	// reason is recorded and manual is always forced true.
	ManualClose(ctx context.Context, deviceID int64, reason string) error
}
