// Package domain contains persistence models for merchant tenants.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrTenantNotFound = errors.New("tenant_not_found")
	ErrInvalidToken   = errors.New("invalid_tenant_token")
)

// Tenant represents one merchant account with isolated data.
type Tenant struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Code      string       `gorm:"type:text;not null;uniqueIndex"`
	Name      string       `gorm:"type:text"`
	APIToken  string       `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

// Repository resolves tenants by upstream identity or API token.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Tenant, error)
	FindByToken(ctx context.Context, token string) (*Tenant, error)
	Insert(ctx context.Context, tenant *Tenant) error
}
