package pipeline

import (
	"context"

	"go.uber.org/fx"
)

// submissionEventBuffer sizes the reachability channel; overflow drops are
// harmless since any later success re-triggers the replay.
const submissionEventBuffer = 64

func provideEventChannel() (chan<- SubmissionSucceeded, <-chan SubmissionSucceeded) {
	ch := make(chan SubmissionSucceeded, submissionEventBuffer)
	return ch, ch
}

var Module = fx.Module("pipeline",
	fx.Provide(
		ProvideConfig,
		provideEventChannel,
		NewOrchestrator,
		NewQueueManager,
		NewResubmitter,
	),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, cfg Config, qm *QueueManager, rs *Resubmitter) {
	cfg = cfg.withDefaults()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.ReconcileOnStart {
				if err := qm.Reconcile(ctx); err != nil {
					return err
				}
			}
			go qm.RunJanitor()
			go rs.Run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := rs.Stop(ctx); err != nil {
				return err
			}
			return qm.Stop(ctx)
		},
	})
}
