package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/slyretail/fiscalbridge/internal/sale/domain"
	"gorm.io/gorm"
)

type repo struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func Provide(db *gorm.DB, genID *snowflake.Node) domain.Repository {
	return &repo{db: db, genID: genID}
}

func (r *repo) FindByReceipt(ctx context.Context, tenantID snowflake.ID, receiptNumber string) (*domain.Sale, error) {
	var sale domain.Sale
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND receipt_number = ?", tenantID, receiptNumber).
		First(&sale).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sale, nil
}

func (r *repo) Insert(ctx context.Context, sale *domain.Sale) error {
	if sale.ID == 0 {
		sale.ID = r.genID.Generate()
	}
	return r.db.WithContext(ctx).Create(sale).Error
}

func (r *repo) SaveSubmitted(ctx context.Context, sale *domain.Sale) error {
	if sale.ID == 0 {
		sale.ID = r.genID.Generate()
	}
	sale.FiscalSubmitted = true
	sale.UpdatedAt = time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(sale).Error; err != nil {
			return err
		}
		return tx.
			Where("tenant_id = ? AND receipt_number = ?", sale.TenantID, sale.ReceiptNumber).
			Delete(&domain.FailedReceipt{}).Error
	})
}

func (r *repo) SaveFailed(ctx context.Context, sale *domain.Sale) error {
	if sale.ID == 0 {
		sale.ID = r.genID.Generate()
	}
	sale.FiscalSubmitted = false
	sale.UpdatedAt = time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(sale).Error; err != nil {
			return err
		}

		var existing domain.FailedReceipt
		err := tx.
			Where("tenant_id = ? AND receipt_number = ?", sale.TenantID, sale.ReceiptNumber).
			First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			return tx.Create(&domain.FailedReceipt{
				ID:            r.genID.Generate(),
				TenantID:      sale.TenantID,
				ReceiptNumber: sale.ReceiptNumber,
				ReceiptType:   sale.ReceiptType,
				StoreName:     sale.StoreName,
				FiscalError:   sale.FiscalError,
				Attempts:      1,
			}).Error
		}

		existing.FiscalError = sale.FiscalError
		existing.Attempts++
		existing.UpdatedAt = time.Now().UTC()
		return tx.Save(&existing).Error
	})
}

func (r *repo) ListFailed(ctx context.Context, tenantID snowflake.ID) ([]*domain.FailedReceipt, error) {
	var failed []*domain.FailedReceipt
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at asc, id asc").
		Find(&failed).Error
	if err != nil {
		return nil, err
	}
	return failed, nil
}

func (r *repo) DeleteFailed(ctx context.Context, tenantID snowflake.ID, receiptNumber string) error {
	return r.db.WithContext(ctx).
		Where("tenant_id = ? AND receipt_number = ?", tenantID, receiptNumber).
		Delete(&domain.FailedReceipt{}).Error
}

func (r *repo) FindFailed(ctx context.Context, tenantID snowflake.ID, receiptNumber string) (*domain.FailedReceipt, error) {
	var failed domain.FailedReceipt
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND receipt_number = ?", tenantID, receiptNumber).
		First(&failed).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &failed, nil
}
