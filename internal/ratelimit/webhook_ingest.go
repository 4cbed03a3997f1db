package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/slyretail/fiscalbridge/internal/config"
)

const (
	keyWebhookIngestTenant   = "webhook:ingest:tenant:%s"
	keyWebhookIngestEndpoint = "webhook:ingest:endpoint:%s"
)

// WebhookIngestLimiter throttles POS deliveries per tenant and per endpoint.
// Disabled configuration yields a nil limiter; every Allow then passes.
type WebhookIngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	tenantRate    float64
	tenantBurst   int
	endpointRate  float64
	endpointBurst int
}

func NewWebhookIngestLimiter(cfg config.Config) (*WebhookIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.TenantRate <= 0 || limitCfg.TenantBurst <= 0 {
		return nil, errors.New("tenant rate limit must be positive")
	}
	if limitCfg.EndpointRate <= 0 || limitCfg.EndpointBurst <= 0 {
		return nil, errors.New("endpoint rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &WebhookIngestLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		tenantRate:    limitCfg.TenantRate,
		tenantBurst:   limitCfg.TenantBurst,
		endpointRate:  limitCfg.EndpointRate,
		endpointBurst: limitCfg.EndpointBurst,
	}, nil
}

func (l *WebhookIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowTenant checks the per-tenant bucket. Redis being down never blocks
// the fiscal pipeline; the limiter fails open and surfaces the error for
// logging.
func (l *WebhookIngestLimiter) AllowTenant(ctx context.Context, tenantCode string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookIngestTenant, strings.TrimSpace(tenantCode)), l.tenantRate, l.tenantBurst)
	if err != nil {
		return &Result{Allowed: true}, err
	}
	return res, nil
}

// AllowEndpoint checks the shared bucket guarding the ingest endpoint as a
// whole.
func (l *WebhookIngestLimiter) AllowEndpoint(ctx context.Context) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookIngestEndpoint, "pos"), l.endpointRate, l.endpointBurst)
	if err != nil {
		return &Result{Allowed: true}, err
	}
	return res, nil
}
