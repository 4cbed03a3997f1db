package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/slyretail/fiscalbridge/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) FindByCode(ctx context.Context, code string) (*domain.Tenant, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, domain.ErrTenantNotFound
	}

	var tenant domain.Tenant
	err := r.db.WithContext(ctx).
		Where("code = ?", code).
		First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

func (r *repo) FindByToken(ctx context.Context, token string) (*domain.Tenant, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrInvalidToken
	}

	var tenant domain.Tenant
	err := r.db.WithContext(ctx).
		Where("api_token = ?", token).
		First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, err
	}
	return &tenant, nil
}

func (r *repo) Insert(ctx context.Context, tenant *domain.Tenant) error {
	return r.db.WithContext(ctx).Create(tenant).Error
}
