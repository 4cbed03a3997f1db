package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	backlogdomain "github.com/slyretail/fiscalbridge/internal/backlog/domain"
	backlogrepo "github.com/slyretail/fiscalbridge/internal/backlog/repository"
	"github.com/slyretail/fiscalbridge/internal/config"
	fiscaldomain "github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	fiscalrepo "github.com/slyretail/fiscalbridge/internal/fiscal/repository"
	"github.com/slyretail/fiscalbridge/internal/normalize"
	"github.com/slyretail/fiscalbridge/internal/pipeline"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	salerepo "github.com/slyretail/fiscalbridge/internal/sale/repository"
	tenantdomain "github.com/slyretail/fiscalbridge/internal/tenant/domain"
	tenantrepo "github.com/slyretail/fiscalbridge/internal/tenant/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type acceptingGateway struct{ submits int }

func (g *acceptingGateway) SubmitReceipt(context.Context, *fiscaldomain.DeviceCredential, *saledomain.Sale) fiscaldomain.SubmitResult {
	g.submits++
	return fiscaldomain.SubmitAccepted{ReceiptGlobalNumber: 1, ReceiptCounter: 1}
}

func (g *acceptingGateway) CloseDay(context.Context, *fiscaldomain.DeviceCredential, int64) error {
	return nil
}

type noopDayService struct{ manualCloses int }

func (d *noopDayService) EnsureOpen(context.Context, int64) (*fiscaldomain.FiscalDay, error) {
	return &fiscaldomain.FiscalDay{}, nil
}
func (d *noopDayService) AutoClose(context.Context, int64) error { return nil }
func (d *noopDayService) ManualClose(_ context.Context, _ int64, reason string) error {
	d.manualCloses++
	return nil
}

type serverFixture struct {
	engine  *gin.Engine
	db      *gorm.DB
	tenants tenantdomain.Repository
	sales   saledomain.Repository
	days    *noopDayService
	gateway *acceptingGateway
	node    *snowflake.Node
	tenant  *tenantdomain.Tenant
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&saledomain.Sale{},
		&saledomain.FailedReceipt{},
		&backlogdomain.WebhookEvent{},
		&fiscaldomain.DeviceCredential{},
		&fiscaldomain.FiscalDay{},
	))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)

	tenants := tenantrepo.Provide(db)
	sales := salerepo.Provide(db, node)
	backlog := backlogrepo.Provide(db, node)
	devices := fiscalrepo.ProvideDevices(db)
	gw := &acceptingGateway{}
	days := &noopDayService{}

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorParams{
		Log:        log,
		Config:     pipeline.Config{},
		Sales:      sales,
		Backlog:    backlog,
		Devices:    devices,
		Gateway:    gw,
		Days:       days,
		Normalizer: normalize.New(log),
	})
	queue := pipeline.NewQueueManager(pipeline.QueueManagerParams{
		Log:          log,
		Config:       pipeline.Config{},
		Sales:        sales,
		Backlog:      backlog,
		Orchestrator: orch,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Stop(ctx)
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := NewServer(ServerParams{
		Gin:          engine,
		Log:          log,
		Cfg:          config.Config{},
		DB:           db,
		Tenants:      tenants,
		Sales:        sales,
		Devices:      devices,
		Days:         days,
		Queue:        queue,
		Orchestrator: orch,
	})
	registerRoutes(srv)

	f := &serverFixture{
		engine:  engine,
		db:      db,
		tenants: tenants,
		sales:   sales,
		days:    days,
		gateway: gw,
		node:    node,
	}
	f.tenant = &tenantdomain.Tenant{
		ID:       node.Generate(),
		Code:     "store-001",
		Name:     "Store One",
		APIToken: "tok-store-001",
	}
	require.NoError(t, db.Create(f.tenant).Error)
	require.NoError(t, db.Create(&fiscaldomain.DeviceCredential{
		ID:                 node.Generate(),
		TenantID:           f.tenant.ID,
		DeviceID:           900,
		OperatingMode:      fiscaldomain.OperatingModeOnline,
		FiscalDayNo:        1,
		NextGlobalNumber:   1,
		NextReceiptCounter: 1,
	}).Error)
	return f
}

func (f *serverFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *serverFixture) waitForSale(t *testing.T, receiptNumber string) *saledomain.Sale {
	t.Helper()
	var sale *saledomain.Sale
	require.Eventually(t, func() bool {
		s, err := f.sales.FindByReceipt(context.Background(), f.tenant.ID, receiptNumber)
		if err != nil || s == nil {
			return false
		}
		sale = s
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return sale
}

func TestWebhookAcceptsAndProcessesReceipt(t *testing.T) {
	f := newServerFixture(t)

	w := f.post(t, "/v1/webhooks/pos", map[string]any{
		"tenant_id": "store-001",
		"receipts": []map[string]any{{
			"receipt_number": "INV-1",
			"type":           "FISCAL_INVOICE",
			"store":          "Main Street",
			"currency":       "USD",
			"total":          11.50,
			"items": []map[string]any{
				{"name": "Bread", "quantity": 1, "price": 11.50, "tax_code": "A"},
			},
			"payments": []map[string]any{{"method": "CASH", "amount": 11.50}},
		}},
	})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	sale := f.waitForSale(t, "INV-1")
	assert.True(t, sale.FiscalSubmitted)
}

func TestWebhookMalformedBodyDroppedSilently(t *testing.T) {
	f := newServerFixture(t)

	for name, body := range map[string]any{
		"invalid json":   `{"tenant_id": `,
		"no tenant":      map[string]any{"receipts": []map[string]any{{"receipt_number": "X"}}},
		"no receipts":    map[string]any{"tenant_id": "store-001"},
		"empty receipts": map[string]any{"tenant_id": "store-001", "receipts": []any{}},
	} {
		w := f.post(t, "/v1/webhooks/pos", body)
		assert.Equal(t, http.StatusOK, w.Code, name)
		assert.Empty(t, w.Body.String(), name)
	}
}

func TestWebhookUnknownTenantDroppedSilently(t *testing.T) {
	f := newServerFixture(t)

	w := f.post(t, "/v1/webhooks/pos", map[string]any{
		"tenant_id": "no-such-store",
		"receipts":  []map[string]any{{"receipt_number": "INV-2"}},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestResubmitRequiresValidToken(t *testing.T) {
	f := newServerFixture(t)

	w := f.post(t, "/v1/receipts/resubmit", map[string]any{
		"token":     "wrong-token",
		"device_id": 900,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestResubmitReplaysFailedLedger(t *testing.T) {
	f := newServerFixture(t)

	s := &saledomain.Sale{
		TenantID:      f.tenant.ID,
		ReceiptNumber: "INV-3",
		Currency:      "USD",
		FiscalError:   "offline",
	}
	require.NoError(t, s.SetLines([]saledomain.LineItem{
		{Name: "Bread", Quantity: 1, UnitAmount: 1150, Amount: 1150, TaxCode: "A", TaxAmount: 150},
	}))
	require.NoError(t, f.sales.SaveFailed(context.Background(), s))

	w := f.post(t, "/v1/receipts/resubmit", map[string]any{
		"token":     "tok-store-001",
		"device_id": 900,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp resubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Resubmitted)
	assert.Equal(t, 1, f.gateway.submits)

	failed, err := f.sales.FindFailed(context.Background(), f.tenant.ID, "INV-3")
	require.NoError(t, err)
	assert.Nil(t, failed)
}

func TestManualDayCloseValidation(t *testing.T) {
	f := newServerFixture(t)

	w := f.post(t, "/v1/fiscal-days/close", map[string]any{
		"device_id": 900, "manual_closure": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, f.days.manualCloses)

	w = f.post(t, "/v1/fiscal-days/close", map[string]any{
		"device_id": 900, "manual_closure": false, "reason": "end of shift",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/v1/fiscal-days/close", map[string]any{
		"device_id": 900, "manual_closure": true, "reason": "end of shift",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.days.manualCloses)
}
