// Package day manages the per-device fiscal day lifecycle.
package day

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	obsmetrics "github.com/slyretail/fiscalbridge/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Devices domain.DeviceRepository
	Days    domain.DayRepository
	Gateway domain.Gateway
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	devices domain.DeviceRepository
	days    domain.DayRepository
	gateway domain.Gateway
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.DayService {
	return &Service{
		log:     p.Log.Named("fiscal.day"),
		devices: p.Devices,
		days:    p.Days,
		gateway: p.Gateway,
		metrics: p.Metrics,
	}
}

func (s *Service) EnsureOpen(ctx context.Context, deviceID int64) (*domain.FiscalDay, error) {
	day, err := s.days.FindOpen(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if day != nil {
		return day, nil
	}

	cred, err := s.devices.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, domain.ErrDeviceNotFound
	}

	day = &domain.FiscalDay{
		TenantID:    cred.TenantID,
		DeviceID:    deviceID,
		FiscalDayNo: cred.FiscalDayNo,
		Status:      domain.FiscalDayOpen,
		OpenedAt:    time.Now().UTC(),
	}
	if err := s.days.Insert(ctx, day); err != nil {
		return nil, err
	}
	s.log.Info("fiscal day opened",
		zap.Int64("device_id", deviceID),
		zap.Int64("fiscal_day_no", day.FiscalDayNo),
	)
	return day, nil
}

func (s *Service) AutoClose(ctx context.Context, deviceID int64) error {
	day, err := s.days.FindOpen(ctx, deviceID)
	if err != nil {
		return err
	}
	if day == nil {
		return domain.ErrDayNotOpen
	}
	if day.Status == domain.FiscalDayCloseFailed {
		// Surfaced for operator intervention; automation must not loop here.
		return domain.ErrManualOnly
	}
	return s.close(ctx, deviceID, day, false, "")
}

func (s *Service) ManualClose(ctx context.Context, deviceID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ErrCloseReasonRequired
	}

	day, err := s.days.FindOpen(ctx, deviceID)
	if err != nil {
		return err
	}
	if day == nil {
		return domain.ErrDayNotOpen
	}
	return s.close(ctx, deviceID, day, true, reason)
}

func (s *Service) close(ctx context.Context, deviceID int64, day *domain.FiscalDay, manual bool, reason string) error {
	cred, err := s.devices.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}
	if cred == nil {
		return domain.ErrDeviceNotFound
	}

	if err := s.gateway.CloseDay(ctx, cred, day.FiscalDayNo); err != nil {
		day.Status = domain.FiscalDayCloseFailed
		if saveErr := s.days.Save(ctx, day); saveErr != nil {
			s.log.Error("persist close-failed day", zap.Error(saveErr))
		}
		cred.FiscalDayStatus = domain.DayStatusCloseFailed
		if saveErr := s.devices.Save(ctx, cred); saveErr != nil {
			s.log.Error("persist close-failed credential", zap.Error(saveErr))
		}
		s.metrics.RecordDayClose(ctx, "failed", manual)
		s.log.Warn("fiscal day close rejected",
			zap.Int64("device_id", deviceID),
			zap.Int64("fiscal_day_no", day.FiscalDayNo),
			zap.Bool("manual", manual),
			zap.Error(err),
		)
		return fmt.Errorf("close fiscal day %d: %w", day.FiscalDayNo, err)
	}

	now := time.Now().UTC()
	day.Status = domain.FiscalDayClosed
	day.ClosedAt = &now
	day.Manual = manual
	day.CloseReason = reason
	if err := s.days.Save(ctx, day); err != nil {
		return err
	}

	cred.FiscalDayStatus = domain.DayStatusClosed
	cred.FiscalDayNo++
	// Receipt counters restart with the new trading day.
	cred.NextReceiptCounter = 1
	if err := s.devices.Save(ctx, cred); err != nil {
		return err
	}

	s.metrics.RecordDayClose(ctx, "closed", manual)
	s.log.Info("fiscal day closed",
		zap.Int64("device_id", deviceID),
		zap.Int64("fiscal_day_no", day.FiscalDayNo),
		zap.Bool("manual", manual),
	)
	return nil
}
