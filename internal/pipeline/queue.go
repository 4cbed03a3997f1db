package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	backlogdomain "github.com/slyretail/fiscalbridge/internal/backlog/domain"
	obsmetrics "github.com/slyretail/fiscalbridge/internal/observability/metrics"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// tenantQueue is the in-memory FIFO for one tenant. At most one drain
// goroutine runs per tenant; the draining flag is the exclusivity latch.
type tenantQueue struct {
	code       string
	entries    []*Envelope
	draining   bool
	lastActive time.Time
}

func (q *tenantQueue) contains(receiptNumber string) bool {
	for _, e := range q.entries {
		if e.ReceiptNumber() == receiptNumber {
			return true
		}
	}
	return false
}

// envelopeProcessor is what a drain goroutine runs per envelope. Satisfied
// by Orchestrator.
type envelopeProcessor interface {
	ProcessEnvelope(ctx context.Context, env *Envelope) BatchOutcome
}

type QueueManagerParams struct {
	fx.In

	Log          *zap.Logger
	Config       Config
	Sales        saledomain.Repository
	Backlog      backlogdomain.Repository
	Orchestrator *Orchestrator
}

// QueueManager owns every tenant queue. Envelopes become durable backlog
// rows before they are visible in memory, so a crash between accept and
// drain loses nothing.
type QueueManager struct {
	log     *zap.Logger
	cfg     Config
	sales   saledomain.Repository
	backlog backlogdomain.Repository
	orch    envelopeProcessor
	pm      *obsmetrics.PipelineMetrics

	mu      sync.Mutex
	tenants map[snowflake.ID]*tenantQueue

	// slots bounds the number of tenants draining concurrently.
	slots  chan struct{}
	active int

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueueManager(p QueueManagerParams) *QueueManager {
	return newQueueManager(p.Log, p.Config, p.Sales, p.Backlog, p.Orchestrator)
}

func newQueueManager(log *zap.Logger, cfg Config, sales saledomain.Repository, backlog backlogdomain.Repository, orch envelopeProcessor) *QueueManager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &QueueManager{
		log:     log.Named("pipeline.queue"),
		cfg:     cfg,
		sales:   sales,
		backlog: backlog,
		orch:    orch,
		pm:      obsmetrics.Pipeline(),
		tenants: make(map[snowflake.ID]*tenantQueue),
		slots:   make(chan struct{}, cfg.MaxActiveDrains),
		runCtx:  ctx,
		cancel:  cancel,
	}
}

// Ingest deduplicates, durably records, and enqueues one envelope. Returning
// nil means the delivery is either queued or already fully handled; the
// caller always acknowledges the webhook.
func (m *QueueManager) Ingest(ctx context.Context, env *Envelope) error {
	receiptNumber := env.ReceiptNumber()
	if receiptNumber == "" {
		return errEmptyEnvelope
	}

	// A receipt already in final storage was handled by an earlier
	// delivery; a leftover backlog row for it is stale.
	existing, err := m.sales.FindByReceipt(ctx, env.TenantID, receiptNumber)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := m.backlog.Delete(ctx, env.TenantID, receiptNumber); err != nil {
			m.log.Error("drop stale backlog row", zap.Error(err))
		}
		m.pm.IncQueueDropped("already_stored")
		return nil
	}

	payload, err := env.encode()
	if err != nil {
		return err
	}
	if _, err := m.backlog.Insert(ctx, &backlogdomain.WebhookEvent{
		TenantID:      env.TenantID,
		ReceiptNumber: receiptNumber,
		Payload:       payload,
		Status:        backlogdomain.EventStatusPending,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	q := m.queueLocked(env.TenantID, env.TenantCode)
	if q.contains(receiptNumber) {
		m.mu.Unlock()
		// Redelivery while the first copy is still queued. The backlog
		// insert above was a no-op against the existing pending row.
		m.log.Debug("duplicate receipt already queued",
			zap.String("tenant", env.TenantCode),
			zap.String("receipt", receiptNumber),
		)
		m.pm.IncQueueDropped("in_queue")
		return nil
	}
	if len(q.entries) >= m.cfg.QueueDepth {
		m.mu.Unlock()
		// The backlog row stays pending; reconciliation picks it up once
		// the queue drains below the cap.
		m.log.Warn("tenant queue full, deferring to backlog",
			zap.String("tenant", env.TenantCode),
			zap.Int("depth", m.cfg.QueueDepth),
		)
		m.pm.IncQueueDropped("depth")
		return nil
	}
	q.entries = append(q.entries, env)
	q.lastActive = time.Now()
	m.startDrainLocked(env.TenantID, q)
	m.mu.Unlock()
	return nil
}

// queueLocked returns the tenant's queue, creating it on first contact.
// Callers hold m.mu.
func (m *QueueManager) queueLocked(tenantID snowflake.ID, code string) *tenantQueue {
	q, ok := m.tenants[tenantID]
	if !ok {
		q = &tenantQueue{code: code, lastActive: time.Now()}
		m.tenants[tenantID] = q
	}
	if code != "" {
		q.code = code
	}
	return q
}

// startDrainLocked launches the tenant's drain goroutine unless one is
// already running. Callers hold m.mu.
func (m *QueueManager) startDrainLocked(tenantID snowflake.ID, q *tenantQueue) {
	if q.draining {
		return
	}
	q.draining = true
	m.wg.Add(1)
	go m.drain(tenantID)
}

func (m *QueueManager) drain(tenantID snowflake.ID) {
	defer m.wg.Done()

	select {
	case m.slots <- struct{}{}:
	case <-m.runCtx.Done():
		m.abortDrain(tenantID)
		return
	}
	defer func() { <-m.slots }()

	m.mu.Lock()
	m.active++
	m.pm.SetActiveDrains(m.active)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.pm.SetActiveDrains(m.active)
		m.mu.Unlock()
	}()

	for {
		if m.runCtx.Err() != nil {
			m.abortDrain(tenantID)
			return
		}

		m.mu.Lock()
		q := m.tenants[tenantID]
		if q == nil {
			m.mu.Unlock()
			return
		}
		if len(q.entries) == 0 {
			m.mu.Unlock()
			// Backlog rows deferred under the depth cap, or left by a
			// crash, are pulled in before the drain gives up its turn.
			if m.refill(tenantID) {
				continue
			}
			if m.finishDrain(tenantID) {
				return
			}
			continue
		}
		head := q.entries[0]
		m.mu.Unlock()

		start := time.Now()
		outcome := m.orch.ProcessEnvelope(m.runCtx, head)
		m.pm.ObserveDrainDuration(time.Since(start))
		if outcome.Failed > 0 {
			m.pm.IncEnvelopeProcessed("failed")
		} else {
			m.pm.IncEnvelopeProcessed("ok")
		}

		m.mu.Lock()
		if q := m.tenants[tenantID]; q != nil && len(q.entries) > 0 && q.entries[0] == head {
			q.entries = q.entries[1:]
			q.lastActive = time.Now()
		}
		m.mu.Unlock()
	}
}

// finishDrain releases the drain latch, unless an envelope landed after the
// caller's empty check. The recheck and the release share one lock hold, so
// a late Ingest is either seen here or starts its own drain. Reports whether
// the drain stood down.
func (m *QueueManager) finishDrain(tenantID snowflake.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.tenants[tenantID]
	if q == nil {
		return true
	}
	if len(q.entries) > 0 {
		return false
	}
	q.draining = false
	q.lastActive = time.Now()
	return true
}

// abortDrain releases the latch unconditionally. Shutdown only; queued
// entries stay durable in the backlog.
func (m *QueueManager) abortDrain(tenantID snowflake.ID) {
	m.mu.Lock()
	if q := m.tenants[tenantID]; q != nil {
		q.draining = false
	}
	m.mu.Unlock()
}

// refill re-enqueues pending backlog rows not already held in memory.
// Reports whether anything new was added.
func (m *QueueManager) refill(tenantID snowflake.ID) bool {
	rows, err := m.backlog.ListPending(m.runCtx, tenantID)
	if err != nil {
		m.log.Error("list pending backlog", zap.Error(err))
		return false
	}
	if len(rows) == 0 {
		return false
	}

	added := 0
	m.mu.Lock()
	q := m.queueLocked(tenantID, "")
	for _, row := range rows {
		if q.contains(row.ReceiptNumber) || len(q.entries) >= m.cfg.QueueDepth {
			continue
		}
		env, err := envelopeFromBacklog(row)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("undecodable backlog row",
				zap.String("receipt", row.ReceiptNumber),
				zap.Error(err),
			)
			if recErr := m.backlog.RecordError(m.runCtx, tenantID, row.ReceiptNumber, err); recErr != nil {
				m.log.Error("record backlog error", zap.Error(recErr))
			}
			m.mu.Lock()
			continue
		}
		q.entries = append(q.entries, env)
		added++
	}
	if added > 0 {
		q.lastActive = time.Now()
	}
	m.mu.Unlock()
	return added > 0
}

// Reconcile reloads every tenant's pending backlog into memory and kicks
// their drains. Runs once on startup so deliveries accepted before a crash
// finish without waiting for new traffic.
func (m *QueueManager) Reconcile(ctx context.Context) error {
	tenantIDs, err := m.backlog.PendingTenants(ctx)
	if err != nil {
		return err
	}
	recovered := 0
	for _, tenantID := range tenantIDs {
		if m.refill(tenantID) {
			recovered++
			m.mu.Lock()
			q := m.tenants[tenantID]
			m.startDrainLocked(tenantID, q)
			m.mu.Unlock()
		}
	}
	if recovered > 0 {
		m.log.Info("backlog reconciled", zap.Int("tenants", recovered))
		m.pm.AddBacklogReconciled(recovered)
	}
	return nil
}

// RunJanitor evicts tenants whose queues have sat empty past the idle TTL.
// Blocks until the manager stops.
func (m *QueueManager) RunJanitor() {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

func (m *QueueManager) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tenantID, q := range m.tenants {
		if q.draining || len(q.entries) > 0 {
			continue
		}
		if now.Sub(q.lastActive) < m.cfg.IdleTenantTTL {
			continue
		}
		delete(m.tenants, tenantID)
		m.pm.IncTenantEvicted()
		m.log.Debug("idle tenant evicted", zap.String("tenant", q.code))
	}
}

// Stop halts new drain work and waits for in-flight envelopes. Unfinished
// queue entries stay durable in the backlog for the next start's reconcile.
func (m *QueueManager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueuedDepth reports the in-memory depth for one tenant. Test hook and
// health detail.
func (m *QueueManager) QueuedDepth(tenantID snowflake.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.tenants[tenantID]; q != nil {
		return len(q.entries)
	}
	return 0
}
