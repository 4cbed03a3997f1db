package pipeline

import (
	"strings"
	"time"

	"github.com/slyretail/fiscalbridge/internal/config"
)

// Config controls queue depth, drain concurrency, and close policy.
type Config struct {
	QueueDepth       int
	MaxActiveDrains  int
	IdleTenantTTL    time.Duration
	JanitorInterval  time.Duration
	ReconcileOnStart bool

	// AutoCloseDays gates the per-submission automatic day close. The
	// upstream product treats this as policy, not invariant.
	AutoCloseDays bool

	BlacklistedStores []string
}

func DefaultConfig() Config {
	return Config{
		QueueDepth:       100,
		MaxActiveDrains:  8,
		IdleTenantTTL:    30 * time.Minute,
		JanitorInterval:  5 * time.Minute,
		ReconcileOnStart: true,
		AutoCloseDays:    true,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaults.QueueDepth
	}
	if c.MaxActiveDrains <= 0 {
		c.MaxActiveDrains = defaults.MaxActiveDrains
	}
	if c.IdleTenantTTL <= 0 {
		c.IdleTenantTTL = defaults.IdleTenantTTL
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaults.JanitorInterval
	}
	return c
}

func (c Config) isBlacklisted(store string) bool {
	store = strings.ToLower(strings.TrimSpace(store))
	if store == "" {
		return false
	}
	for _, blocked := range c.BlacklistedStores {
		if strings.ToLower(strings.TrimSpace(blocked)) == store {
			return true
		}
	}
	return false
}

// ProvideConfig maps application configuration onto the pipeline knobs.
func ProvideConfig(cfg config.Config) Config {
	return Config{
		QueueDepth:        cfg.Pipeline.QueueDepth,
		MaxActiveDrains:   cfg.Pipeline.MaxActiveDrains,
		IdleTenantTTL:     cfg.Pipeline.IdleTenantTTL,
		ReconcileOnStart:  cfg.Pipeline.ReconcileOnStart,
		AutoCloseDays:     cfg.Pipeline.AutoCloseDays,
		BlacklistedStores: cfg.Pipeline.BlacklistedStores,
	}.withDefaults()
}
