package day

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	"github.com/slyretail/fiscalbridge/internal/fiscal/repository"
	saledomain "github.com/slyretail/fiscalbridge/internal/sale/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type stubGateway struct {
	closeErr  error
	dayCloses int
}

func (g *stubGateway) SubmitReceipt(context.Context, *domain.DeviceCredential, *saledomain.Sale) domain.SubmitResult {
	return domain.SubmitAccepted{}
}

func (g *stubGateway) CloseDay(context.Context, *domain.DeviceCredential, int64) error {
	g.dayCloses++
	return g.closeErr
}

type dayFixture struct {
	svc     domain.DayService
	db      *gorm.DB
	devices domain.DeviceRepository
	days    domain.DayRepository
	gateway *stubGateway
	node    *snowflake.Node
}

func newDayFixture(t *testing.T) *dayFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.DeviceCredential{}, &domain.FiscalDay{}))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	gw := &stubGateway{}
	devices := repository.ProvideDevices(db)
	days := repository.ProvideDays(db, node)
	svc := NewService(Params{
		Log:     zaptest.NewLogger(t),
		Devices: devices,
		Days:    days,
		Gateway: gw,
	})
	return &dayFixture{svc: svc, db: db, devices: devices, days: days, gateway: gw, node: node}
}

func (f *dayFixture) seedDevice(t *testing.T, deviceID, fiscalDayNo int64) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.DeviceCredential{
		ID:                 f.node.Generate(),
		TenantID:           f.node.Generate(),
		DeviceID:           deviceID,
		OperatingMode:      domain.OperatingModeOnline,
		FiscalDayStatus:    domain.DayStatusOpened,
		FiscalDayNo:        fiscalDayNo,
		NextGlobalNumber:   10,
		NextReceiptCounter: 5,
	}).Error)
}

func TestEnsureOpenCreatesDayOnce(t *testing.T) {
	f := newDayFixture(t)
	f.seedDevice(t, 700, 3)

	day, err := f.svc.EnsureOpen(context.Background(), 700)
	require.NoError(t, err)
	assert.Equal(t, int64(3), day.FiscalDayNo)
	assert.Equal(t, domain.FiscalDayOpen, day.Status)

	again, err := f.svc.EnsureOpen(context.Background(), 700)
	require.NoError(t, err)
	assert.Equal(t, day.ID, again.ID)

	var count int64
	require.NoError(t, f.db.Model(&domain.FiscalDay{}).
		Where("device_id = ?", 700).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEnsureOpenUnknownDevice(t *testing.T) {
	f := newDayFixture(t)
	_, err := f.svc.EnsureOpen(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestAutoCloseAdvancesDeviceCounters(t *testing.T) {
	f := newDayFixture(t)
	f.seedDevice(t, 701, 4)
	_, err := f.svc.EnsureOpen(context.Background(), 701)
	require.NoError(t, err)

	require.NoError(t, f.svc.AutoClose(context.Background(), 701))
	assert.Equal(t, 1, f.gateway.dayCloses)

	day, err := f.days.FindOpen(context.Background(), 701)
	require.NoError(t, err)
	assert.Nil(t, day, "no open day should remain")

	cred, err := f.devices.FindByDeviceID(context.Background(), 701)
	require.NoError(t, err)
	assert.Equal(t, domain.DayStatusClosed, cred.FiscalDayStatus)
	assert.Equal(t, int64(5), cred.FiscalDayNo)
	assert.Equal(t, int64(1), cred.NextReceiptCounter)
	// Global numbers never reset between days.
	assert.Equal(t, int64(10), cred.NextGlobalNumber)
}

func TestAutoCloseWithoutOpenDay(t *testing.T) {
	f := newDayFixture(t)
	f.seedDevice(t, 702, 1)
	err := f.svc.AutoClose(context.Background(), 702)
	assert.ErrorIs(t, err, domain.ErrDayNotOpen)
}

func TestAutoCloseFailureNeedsManualIntervention(t *testing.T) {
	f := newDayFixture(t)
	f.seedDevice(t, 703, 2)
	_, err := f.svc.EnsureOpen(context.Background(), 703)
	require.NoError(t, err)

	f.gateway.closeErr = errors.New("gateway rejected close")
	err = f.svc.AutoClose(context.Background(), 703)
	assert.ErrorIs(t, err, f.gateway.closeErr)

	// The day is marked CloseFailed; automation must not touch it again.
	err = f.svc.AutoClose(context.Background(), 703)
	assert.ErrorIs(t, err, domain.ErrManualOnly)
	assert.Equal(t, 1, f.gateway.dayCloses)

	cred, err := f.devices.FindByDeviceID(context.Background(), 703)
	require.NoError(t, err)
	assert.Equal(t, domain.DayStatusCloseFailed, cred.FiscalDayStatus)
}

func TestManualCloseRecoversCloseFailedDay(t *testing.T) {
	f := newDayFixture(t)
	f.seedDevice(t, 704, 6)
	_, err := f.svc.EnsureOpen(context.Background(), 704)
	require.NoError(t, err)

	f.gateway.closeErr = errors.New("offline")
	require.Error(t, f.svc.AutoClose(context.Background(), 704))

	f.gateway.closeErr = nil
	require.NoError(t, f.svc.ManualClose(context.Background(), 704, "device replaced"))

	var day domain.FiscalDay
	require.NoError(t, f.db.
		Where("device_id = ? AND status = ?", 704, domain.FiscalDayClosed).
		First(&day).Error)
	assert.True(t, day.Manual)
	assert.Equal(t, "device replaced", day.CloseReason)
	assert.NotNil(t, day.ClosedAt)
}

func TestManualCloseRequiresReason(t *testing.T) {
	f := newDayFixture(t)
	f.seedDevice(t, 705, 1)
	err := f.svc.ManualClose(context.Background(), 705, "   ")
	assert.ErrorIs(t, err, domain.ErrCloseReasonRequired)
}
