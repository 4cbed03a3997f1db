package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	fiscaldomain "github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestResubmitterReplaysLedgerOnReachabilitySignal(t *testing.T) {
	f := newOrchestratorFixture(t, Config{})
	f.registerDevice(t, 321)

	// First receipt fails while the gateway is unreachable and lands in
	// the ledger.
	f.gateway.result = fiscaldomain.SubmitTransportFailure{Cause: errors.New("connection refused")}
	f.seedBacklog(t, "R-101")
	f.orch.ProcessEnvelope(context.Background(), f.envelope(rawInvoice("R-101")))

	failed, err := f.sales.FindFailed(context.Background(), f.tenant, "R-101")
	require.NoError(t, err)
	require.NotNil(t, failed)

	rs := NewResubmitter(ResubmitterParams{
		Log:          zaptest.NewLogger(t),
		Orchestrator: f.orch,
		Events:       f.events,
	})
	go rs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rs.Stop(ctx)
	})

	// The gateway comes back; a fresh receipt fiscalizes and its success
	// signal must drive the listener through the ledger.
	f.gateway.result = fiscaldomain.SubmitAccepted{ReceiptGlobalNumber: 9, ReceiptCounter: 3}
	f.seedBacklog(t, "R-102")
	outcome := f.orch.ProcessEnvelope(context.Background(), f.envelope(rawInvoice("R-102")))
	require.Equal(t, 1, outcome.Fiscalized)

	require.Eventually(t, func() bool {
		stale, err := f.sales.FindFailed(context.Background(), f.tenant, "R-101")
		return err == nil && stale == nil
	}, 5*time.Second, 10*time.Millisecond, "ledger entry must clear without a manual resubmit call")

	sale, err := f.sales.FindByReceipt(context.Background(), f.tenant, "R-101")
	require.NoError(t, err)
	require.NotNil(t, sale)
	assert.True(t, sale.FiscalSubmitted)
	assert.Equal(t, saledomain.SubmissionRouteRetry, sale.SubmissionRoute)
}
