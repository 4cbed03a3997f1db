package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/slyretail/fiscalbridge/internal/fiscal/domain"
	"gorm.io/gorm"
)

type deviceRepo struct {
	db *gorm.DB
}

func ProvideDevices(db *gorm.DB) domain.DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) FindByTenant(ctx context.Context, tenantID snowflake.ID) (*domain.DeviceCredential, error) {
	var cred domain.DeviceCredential
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (r *deviceRepo) FindByDeviceID(ctx context.Context, deviceID int64) (*domain.DeviceCredential, error) {
	var cred domain.DeviceCredential
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

func (r *deviceRepo) Save(ctx context.Context, cred *domain.DeviceCredential) error {
	cred.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(cred).Error
}

type dayRepo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func ProvideDays(db *gorm.DB, genID *snowflake.Node) domain.DayRepository {
	return &dayRepo{db: db, genID: genID}
}

func (r *dayRepo) FindOpen(ctx context.Context, deviceID int64) (*domain.FiscalDay, error) {
	var day domain.FiscalDay
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status <> ?", deviceID, domain.FiscalDayClosed).
		Order("fiscal_day_no desc").
		First(&day).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &day, nil
}

func (r *dayRepo) Insert(ctx context.Context, day *domain.FiscalDay) error {
	if day.ID == 0 {
		day.ID = r.genID.Generate()
	}
	return r.db.WithContext(ctx).Create(day).Error
}

func (r *dayRepo) Save(ctx context.Context, day *domain.FiscalDay) error {
	day.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(day).Error
}
