package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookIngest    metric.Int64Counter
	dedupDrops       metric.Int64Counter
	submissions      metric.Int64Counter
	resubmits        metric.Int64Counter
	dayCloses        metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "fiscalbridge"
	}
	meter := provider.Meter(name)

	webhookIngest, err := meter.Int64Counter("fiscalbridge_webhook_ingest_total")
	if err != nil {
		return nil, err
	}
	dedupDrops, err := meter.Int64Counter("fiscalbridge_dedup_drops_total")
	if err != nil {
		return nil, err
	}
	submissions, err := meter.Int64Counter("fiscalbridge_submissions_total")
	if err != nil {
		return nil, err
	}
	resubmits, err := meter.Int64Counter("fiscalbridge_resubmits_total")
	if err != nil {
		return nil, err
	}
	dayCloses, err := meter.Int64Counter("fiscalbridge_fiscal_day_closes_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("fiscalbridge_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("fiscalbridge_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookIngest:    webhookIngest,
		dedupDrops:       dedupDrops,
		submissions:      submissions,
		resubmits:        resubmits,
		dayCloses:        dayCloses,
		rateLimitAllowed: rateLimitAllowed,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordWebhookIngest increments accepted webhook counts.
func (m *Metrics) RecordWebhookIngest(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.webhookIngest.Add(ctx, 1, metric.WithAttributes(attribute.String("result", strings.TrimSpace(result))))
}

// RecordDedupDrop increments duplicate delivery drop counts.
func (m *Metrics) RecordDedupDrop(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.dedupDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", strings.TrimSpace(stage))))
}

// RecordSubmission increments submission outcomes by result.
func (m *Metrics) RecordSubmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", strings.TrimSpace(outcome))))
}

// RecordResubmit increments resubmission attempts by result.
func (m *Metrics) RecordResubmit(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.resubmits.Add(ctx, 1, metric.WithAttributes(attribute.String("result", strings.TrimSpace(result))))
}

// RecordDayClose increments fiscal day close attempts by result.
func (m *Metrics) RecordDayClose(ctx context.Context, result string, manual bool) {
	if m == nil {
		return
	}
	m.dayCloses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", strings.TrimSpace(result)),
		attribute.Bool("manual", manual),
	))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, endpoint string) {
	if m == nil {
		return
	}
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
