package pipeline

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ResubmitterParams struct {
	fx.In

	Log          *zap.Logger
	Orchestrator *Orchestrator
	Events       <-chan SubmissionSucceeded
}

// Resubmitter replays a tenant's failed-submission ledger whenever a fresh
// submission proves the gateway reachable again. A dedicated listener keeps
// retry bursts off the submission path.
type Resubmitter struct {
	log    *zap.Logger
	orch   *Orchestrator
	events <-chan SubmissionSucceeded

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewResubmitter(p ResubmitterParams) *Resubmitter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Resubmitter{
		log:    p.Log.Named("pipeline.resubmit"),
		orch:   p.Orchestrator,
		events: p.Events,
		runCtx: ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Run consumes reachability events until Stop. One replay runs at a time;
// events arriving mid-replay for the same tenant coalesce into the buffered
// channel and at worst trigger one redundant, idempotent pass.
func (r *Resubmitter) Run() {
	ctx := r.runCtx
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			n, err := r.orch.ResubmitFailed(ctx, ev.TenantID)
			if err != nil {
				r.log.Error("ledger replay failed",
					zap.String("tenant_id", ev.TenantID.String()),
					zap.Error(err),
				)
				continue
			}
			if n > 0 {
				r.log.Info("failed receipts resubmitted",
					zap.String("tenant_id", ev.TenantID.String()),
					zap.Int64("device_id", ev.DeviceID),
					zap.Int("count", n),
				)
			}
		}
	}
}

func (r *Resubmitter) Stop(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
