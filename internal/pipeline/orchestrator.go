package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	backlogdomain "github.com/slyretail/fiscalbridge/internal/backlog/domain"
	fiscaldomain "github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	"github.com/slyretail/fiscalbridge/internal/normalize"
	obsmetrics "github.com/slyretail/fiscalbridge/internal/observability/metrics"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	pkgdb "github.com/slyretail/fiscalbridge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// receiptStatus classifies the outcome of one receipt inside a batch.
type receiptStatus int

const (
	statusNew receiptStatus = iota
	statusExisting
	statusFailed
)

// BatchOutcome reports per-envelope receipt counts.
type BatchOutcome struct {
	New      int
	Existing int
	Failed   int

	// Fiscalized counts receipts newly accepted by the gateway in this
	// batch; exactly one is the reachability signal that triggers
	// opportunistic resubmission.
	Fiscalized int
}

// SubmissionSucceeded is emitted when a batch fiscalized exactly one new
// receipt, signalling the gateway is reachable for that tenant's device.
type SubmissionSucceeded struct {
	TenantID snowflake.ID
	DeviceID int64
}

type OrchestratorParams struct {
	fx.In

	Log        *zap.Logger
	Config     Config
	Sales      saledomain.Repository
	Backlog    backlogdomain.Repository
	Devices    fiscaldomain.DeviceRepository
	Gateway    fiscaldomain.Gateway
	Days       fiscaldomain.DayService
	Normalizer normalize.Normalizer
	Metrics    *obsmetrics.Metrics        `optional:"true"`
	Events     chan<- SubmissionSucceeded `optional:"true"`
}

// Orchestrator runs the per-receipt submission state machine.
type Orchestrator struct {
	log        *zap.Logger
	cfg        Config
	sales      saledomain.Repository
	backlog    backlogdomain.Repository
	devices    fiscaldomain.DeviceRepository
	gateway    fiscaldomain.Gateway
	days       fiscaldomain.DayService
	normalizer normalize.Normalizer
	metrics    *obsmetrics.Metrics
	events     chan<- SubmissionSucceeded
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	return &Orchestrator{
		log:        p.Log.Named("pipeline.orchestrator"),
		cfg:        p.Config.withDefaults(),
		sales:      p.Sales,
		backlog:    p.Backlog,
		devices:    p.Devices,
		gateway:    p.Gateway,
		days:       p.Days,
		normalizer: p.Normalizer,
		metrics:    p.Metrics,
		events:     p.Events,
	}
}

// ProcessEnvelope handles every receipt in the envelope. A failure on one
// receipt never aborts its siblings; each outcome is captured independently.
func (o *Orchestrator) ProcessEnvelope(ctx context.Context, env *Envelope) BatchOutcome {
	var outcome BatchOutcome
	for _, raw := range env.Receipts {
		status, fiscalized, err := o.processReceipt(ctx, env.TenantID, raw)
		if err != nil {
			o.log.Error("receipt processing failed",
				zap.String("tenant", env.TenantCode),
				zap.String("receipt", raw.ReceiptNumber),
				zap.Error(err),
			)
		}
		switch status {
		case statusNew:
			outcome.New++
		case statusExisting:
			outcome.Existing++
		default:
			outcome.Failed++
		}
		if fiscalized {
			outcome.Fiscalized++
		}
	}

	if outcome.Fiscalized == 1 {
		o.emitSucceeded(ctx, env.TenantID)
	}
	return outcome
}

func (o *Orchestrator) processReceipt(ctx context.Context, tenantID snowflake.ID, raw normalize.RawReceipt) (receiptStatus, bool, error) {
	s, err := o.normalizer.Normalize(ctx, tenantID, raw)
	if err != nil {
		// A receipt the normalizer cannot shape will never become valid;
		// drop its backlog row so it cannot wedge the queue.
		_ = o.backlog.Delete(ctx, tenantID, raw.ReceiptNumber)
		o.metrics.RecordSubmission(ctx, "normalize_error")
		return statusFailed, false, fmt.Errorf("normalize %s: %w", raw.ReceiptNumber, err)
	}

	// Known bad-data source: never forward, never block the pipeline.
	if o.cfg.isBlacklisted(s.StoreName) {
		if err := o.backlog.Delete(ctx, tenantID, s.ReceiptNumber); err != nil {
			return statusFailed, false, err
		}
		o.log.Info("blacklisted store, submission skipped",
			zap.String("receipt", s.ReceiptNumber),
			zap.String("store", s.StoreName),
		)
		o.metrics.RecordSubmission(ctx, "blacklisted")
		return statusExisting, false, nil
	}

	existing, err := o.sales.FindByReceipt(ctx, tenantID, s.ReceiptNumber)
	if err != nil {
		if recErr := o.backlog.RecordError(ctx, tenantID, s.ReceiptNumber, err); recErr != nil {
			o.log.Error("record backlog error", zap.Error(recErr))
		}
		return statusFailed, false, err
	}
	if existing != nil {
		// Redelivery of an already-recorded receipt.
		if err := o.backlog.Delete(ctx, tenantID, s.ReceiptNumber); err != nil {
			return statusFailed, false, err
		}
		o.metrics.RecordDedupDrop(ctx, "storage")
		return statusExisting, false, nil
	}

	if s.ReceiptType == saledomain.ReceiptTypeCreditNote {
		if reason := o.validateCreditNote(ctx, tenantID, s); reason != "" {
			return o.persistRejected(ctx, s, reason)
		}
	}

	status, fiscalized, err := o.submitAndPersist(ctx, s, false)
	if err != nil {
		return status, fiscalized, err
	}
	return status, fiscalized, nil
}

// validateCreditNote returns a rejection reason, or "" when the note is valid.
func (o *Orchestrator) validateCreditNote(ctx context.Context, tenantID snowflake.ID, s *saledomain.Sale) string {
	if s.RefundFor == "" {
		return "credit note has no original receipt reference"
	}
	original, err := o.sales.FindByReceipt(ctx, tenantID, s.RefundFor)
	if err != nil || original == nil {
		return fmt.Sprintf("original receipt %s not found", s.RefundFor)
	}
	originalLines, err := original.Lines()
	if err != nil {
		return fmt.Sprintf("original receipt %s has undecodable lines", s.RefundFor)
	}
	noteLines, err := s.Lines()
	if err != nil {
		return "credit note has undecodable lines"
	}
	if len(originalLines) != len(noteLines) {
		return fmt.Sprintf("line item count mismatch with %s: %d != %d",
			s.RefundFor, len(noteLines), len(originalLines))
	}
	return ""
}

// persistRejected stores a business-rule rejection. The sale is saved with
// submission skipped, excluded from the retry ledger, and its backlog row
// removed; the pipeline continues.
func (o *Orchestrator) persistRejected(ctx context.Context, s *saledomain.Sale, reason string) (receiptStatus, bool, error) {
	s.FiscalSubmitted = false
	s.SubmissionSkipped = true
	s.FiscalError = reason
	s.SubmissionRoute = saledomain.SubmissionRouteNone

	if err := o.sales.Insert(ctx, s); err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		if recErr := o.backlog.RecordError(ctx, s.TenantID, s.ReceiptNumber, err); recErr != nil {
			o.log.Error("record backlog error", zap.Error(recErr))
		}
		return statusFailed, false, err
	}
	if err := o.backlog.Delete(ctx, s.TenantID, s.ReceiptNumber); err != nil {
		return statusFailed, false, err
	}
	o.log.Warn("receipt rejected",
		zap.String("receipt", s.ReceiptNumber),
		zap.String("reason", reason),
	)
	o.metrics.RecordSubmission(ctx, "rejected")
	return statusFailed, false, nil
}

// submitAndPersist runs the gateway attempt and durably records the outcome.
// The backlog row is removed whether or not fiscalization succeeded; the
// webhook itself has been handled either way.
func (o *Orchestrator) submitAndPersist(ctx context.Context, s *saledomain.Sale, resubmission bool) (receiptStatus, bool, error) {
	cred, err := o.devices.FindByTenant(ctx, s.TenantID)
	if err != nil {
		if recErr := o.backlog.RecordError(ctx, s.TenantID, s.ReceiptNumber, err); recErr != nil {
			o.log.Error("record backlog error", zap.Error(recErr))
		}
		return statusFailed, false, err
	}

	if cred == nil {
		// No registered device yet; record the sale, nothing to retry.
		s.FiscalSubmitted = false
		s.SubmissionRoute = saledomain.SubmissionRouteNone
		if err := o.persistUnsubmittedOnly(ctx, s); err != nil {
			return statusFailed, false, err
		}
		o.metrics.RecordSubmission(ctx, "no_device")
		return statusNew, false, nil
	}

	route := saledomain.SubmissionRouteOnline
	if resubmission {
		route = saledomain.SubmissionRouteRetry
	}

	result := o.gateway.SubmitReceipt(ctx, cred, s)
	switch r := result.(type) {
	case fiscaldomain.SubmitAccepted:
		s.FiscalSubmitted = true
		s.FiscalError = ""
		s.FiscalDiagnostics = nil
		s.FiscalDeviceID = cred.DeviceID
		s.FiscalGlobalNumber = r.ReceiptGlobalNumber
		s.FiscalReceiptCounter = r.ReceiptCounter
		s.FiscalHash = r.ReceiptHash
		s.FiscalQRData = r.QRData
		s.SubmissionRoute = route

		if err := o.sales.SaveSubmitted(ctx, s); err != nil {
			if recErr := o.backlog.RecordError(ctx, s.TenantID, s.ReceiptNumber, err); recErr != nil {
				o.log.Error("record backlog error", zap.Error(recErr))
			}
			return statusFailed, false, err
		}
		if err := o.backlog.Delete(ctx, s.TenantID, s.ReceiptNumber); err != nil {
			return statusFailed, true, err
		}
		o.advanceDevice(ctx, cred, r)
		o.metrics.RecordSubmission(ctx, "accepted")
		o.maybeCloseDay(ctx, cred.DeviceID, r.DayStatus)
		return statusNew, true, nil

	case fiscaldomain.SubmitRejected:
		s.FiscalDeviceID = cred.DeviceID
		s.FiscalError = r.Error()
		s.FiscalDiagnostics = encodeFieldErrors(r.Fields)
		s.SubmissionRoute = route
		o.mirrorDayStatus(ctx, cred, r.DayStatus)
		if err := o.sales.SaveFailed(ctx, s); err != nil {
			if recErr := o.backlog.RecordError(ctx, s.TenantID, s.ReceiptNumber, err); recErr != nil {
				o.log.Error("record backlog error", zap.Error(recErr))
			}
			return statusFailed, false, err
		}
		if err := o.backlog.Delete(ctx, s.TenantID, s.ReceiptNumber); err != nil {
			return statusFailed, false, err
		}
		o.metrics.RecordSubmission(ctx, "gateway_rejected")
		return statusFailed, false, nil

	case fiscaldomain.SubmitTransportFailure:
		s.FiscalDeviceID = cred.DeviceID
		s.FiscalError = r.Error()
		s.SubmissionRoute = route
		if err := o.sales.SaveFailed(ctx, s); err != nil {
			if recErr := o.backlog.RecordError(ctx, s.TenantID, s.ReceiptNumber, err); recErr != nil {
				o.log.Error("record backlog error", zap.Error(recErr))
			}
			return statusFailed, false, err
		}
		if err := o.backlog.Delete(ctx, s.TenantID, s.ReceiptNumber); err != nil {
			return statusFailed, false, err
		}
		o.metrics.RecordSubmission(ctx, "transport_failure")
		return statusFailed, false, nil

	default:
		return statusFailed, false, fmt.Errorf("unknown gateway result %T", result)
	}
}

func (o *Orchestrator) persistUnsubmittedOnly(ctx context.Context, s *saledomain.Sale) error {
	// A duplicate key here means a concurrent worker stored the receipt
	// first; the backlog row still has to go.
	if err := o.sales.Insert(ctx, s); err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		if recErr := o.backlog.RecordError(ctx, s.TenantID, s.ReceiptNumber, err); recErr != nil {
			o.log.Error("record backlog error", zap.Error(recErr))
		}
		return err
	}
	return o.backlog.Delete(ctx, s.TenantID, s.ReceiptNumber)
}

// encodeFieldErrors serializes gateway validation complaints for the
// fiscal_diagnostics column. Nil when the rejection carried none.
func encodeFieldErrors(fields []fiscaldomain.FieldError) datatypes.JSON {
	if len(fields) == 0 {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}

// mirrorDayStatus copies a gateway-reported day state onto the credential.
// Rejections report it too; the mirror is not reserved for acceptances.
func (o *Orchestrator) mirrorDayStatus(ctx context.Context, cred *fiscaldomain.DeviceCredential, status fiscaldomain.DayStatus) {
	if status == fiscaldomain.DayStatusUnknown || cred.FiscalDayStatus == status {
		return
	}
	cred.FiscalDayStatus = status
	if err := o.devices.Save(ctx, cred); err != nil {
		o.log.Error("persist device day status", zap.Error(err))
	}
}

func (o *Orchestrator) advanceDevice(ctx context.Context, cred *fiscaldomain.DeviceCredential, r fiscaldomain.SubmitAccepted) {
	if r.ReceiptGlobalNumber >= cred.NextGlobalNumber {
		cred.NextGlobalNumber = r.ReceiptGlobalNumber + 1
	}
	if r.ReceiptCounter >= cred.NextReceiptCounter {
		cred.NextReceiptCounter = r.ReceiptCounter + 1
	}
	if r.DayStatus != fiscaldomain.DayStatusUnknown {
		cred.FiscalDayStatus = r.DayStatus
	}
	if err := o.devices.Save(ctx, cred); err != nil {
		o.log.Error("persist device counters", zap.Error(err))
	}
	if _, err := o.days.EnsureOpen(ctx, cred.DeviceID); err != nil {
		o.log.Error("ensure open fiscal day", zap.Int64("device_id", cred.DeviceID), zap.Error(err))
	}
}

func (o *Orchestrator) maybeCloseDay(ctx context.Context, deviceID int64, status fiscaldomain.DayStatus) {
	if !o.cfg.AutoCloseDays || !status.TerminalForClose() {
		return
	}
	if err := o.days.AutoClose(ctx, deviceID); err != nil {
		if errors.Is(err, fiscaldomain.ErrManualOnly) {
			o.log.Warn("fiscal day awaits manual closure", zap.Int64("device_id", deviceID))
			return
		}
		o.log.Warn("automatic day close failed", zap.Int64("device_id", deviceID), zap.Error(err))
	}
}

// ResubmitFailed replays the tenant's failed-submission ledger. Each entry
// re-checks final storage first so a concurrent resubmission cannot
// double-fiscalize.
func (o *Orchestrator) ResubmitFailed(ctx context.Context, tenantID snowflake.ID) (int, error) {
	failed, err := o.sales.ListFailed(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	resubmitted := 0
	for _, entry := range failed {
		s, err := o.sales.FindByReceipt(ctx, tenantID, entry.ReceiptNumber)
		if err != nil {
			o.log.Error("resubmit lookup failed",
				zap.String("receipt", entry.ReceiptNumber),
				zap.Error(err),
			)
			continue
		}
		if s == nil {
			// Ledger row with no sale behind it; nothing to replay.
			if err := o.sales.DeleteFailed(ctx, tenantID, entry.ReceiptNumber); err != nil {
				o.log.Error("drop orphan ledger row", zap.Error(err))
			}
			continue
		}
		if s.FiscalSubmitted {
			// Raced with another resubmission; the ledger row is stale.
			if err := o.sales.DeleteFailed(ctx, tenantID, entry.ReceiptNumber); err != nil {
				o.log.Error("drop stale ledger row", zap.Error(err))
			}
			o.metrics.RecordResubmit(ctx, "already_submitted")
			continue
		}

		status, fiscalized, err := o.submitAndPersist(ctx, s, true)
		if err != nil {
			o.metrics.RecordResubmit(ctx, "error")
			continue
		}
		switch {
		case fiscalized:
			resubmitted++
			o.metrics.RecordResubmit(ctx, "accepted")
		case status == statusNew:
			// Device deregistered mid-ledger: the sale is recorded but
			// nothing was fiscalized, and the ledger entry stays for the
			// next registered device.
			o.metrics.RecordResubmit(ctx, "no_device")
		default:
			o.metrics.RecordResubmit(ctx, "failed")
		}
	}
	return resubmitted, nil
}

func (o *Orchestrator) emitSucceeded(ctx context.Context, tenantID snowflake.ID) {
	if o.events == nil {
		return
	}
	cred, err := o.devices.FindByTenant(ctx, tenantID)
	if err != nil || cred == nil {
		return
	}
	select {
	case o.events <- SubmissionSucceeded{TenantID: tenantID, DeviceID: cred.DeviceID}:
	default:
		o.log.Debug("resubmission event buffer full, dropping signal",
			zap.String("tenant_id", tenantID.String()),
		)
	}
}
