// Package observability instruments the mesh with OpenTelemetry metrics:
// envelope and validation throughput, drift signals by type, seal chain
// growth, replication exchanges and the tenant credibility score.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Enabled        bool
	// Reader overrides the metric reader; tests inject a manual reader.
	Reader sdkmetric.Reader
}

// DefaultConfig returns the node defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "credmesh-node",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Enabled:        true,
	}
}

// Provider owns the meter provider and the mesh instruments. A nil *Provider
// is inert, so components hold one unconditionally and callers wire it in
// only when metrics are on.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	envelopes    metric.Int64Counter
	validations  metric.Int64Counter
	driftSignals metric.Int64Counter
	seals        metric.Int64Counter
	replication  metric.Int64Counter
	score        metric.Float64Gauge
	opDuration   metric.Float64Histogram
	opErrors     metric.Int64Counter
}

// New builds a provider. A disabled provider records nothing and is safe to
// call everywhere.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if config.Reader != nil {
		opts = append(opts, sdkmetric.WithReader(config.Reader))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	p.meter = p.meterProvider.Meter("credmesh",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.envelopes, err = p.meter.Int64Counter("mesh.envelopes.total",
		metric.WithDescription("Envelopes produced"),
		metric.WithUnit("{envelope}")); err != nil {
		return err
	}
	if p.validations, err = p.meter.Int64Counter("mesh.validations.total",
		metric.WithDescription("Validation verdicts emitted"),
		metric.WithUnit("{validation}")); err != nil {
		return err
	}
	if p.driftSignals, err = p.meter.Int64Counter("mesh.drift.signals.total",
		metric.WithDescription("Drift signals detected"),
		metric.WithUnit("{signal}")); err != nil {
		return err
	}
	if p.seals, err = p.meter.Int64Counter("mesh.seals.total",
		metric.WithDescription("Seal chain links produced"),
		metric.WithUnit("{seal}")); err != nil {
		return err
	}
	if p.replication, err = p.meter.Int64Counter("mesh.replication.exchanges.total",
		metric.WithDescription("Replication pushes and pulls"),
		metric.WithUnit("{exchange}")); err != nil {
		return err
	}
	if p.score, err = p.meter.Float64Gauge("mesh.credibility.score",
		metric.WithDescription("Tenant credibility score"),
		metric.WithUnit("1")); err != nil {
		return err
	}
	if p.opDuration, err = p.meter.Float64Histogram("mesh.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0)); err != nil {
		return err
	}
	if p.opErrors, err = p.meter.Int64Counter("mesh.operation.errors.total",
		metric.WithDescription("Failed operations"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	return nil
}

// RecordEnvelope counts one produced envelope.
func (p *Provider) RecordEnvelope(ctx context.Context, nodeID string) {
	if p != nil && p.envelopes != nil {
		p.envelopes.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", nodeID)))
	}
}

// RecordValidation counts one verdict.
func (p *Provider) RecordValidation(ctx context.Context, verdict, reason string) {
	if p != nil && p.validations != nil {
		attrs := []attribute.KeyValue{attribute.String("verdict", verdict)}
		if reason != "" {
			attrs = append(attrs, attribute.String("reason", reason))
		}
		p.validations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDrift counts one drift signal.
func (p *Provider) RecordDrift(ctx context.Context, driftType, severity string) {
	if p != nil && p.driftSignals != nil {
		p.driftSignals.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", driftType),
			attribute.String("severity", severity)))
	}
}

// RecordSeal counts one chain link.
func (p *Provider) RecordSeal(ctx context.Context, nodeID string) {
	if p != nil && p.seals != nil {
		p.seals.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", nodeID)))
	}
}

// RecordReplication counts one push or pull exchange.
func (p *Provider) RecordReplication(ctx context.Context, direction, peer string) {
	if p != nil && p.replication != nil {
		p.replication.Add(ctx, 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("peer", peer)))
	}
}

// RecordScore publishes the latest credibility score for a tenant.
func (p *Provider) RecordScore(ctx context.Context, tenant string, score float64) {
	if p != nil && p.score != nil {
		p.score.Record(ctx, score, metric.WithAttributes(attribute.String("tenant", tenant)))
	}
}

// TrackOperation times an operation. The returned func records duration and
// any error.
func (p *Provider) TrackOperation(ctx context.Context, name string) func(error) {
	if p == nil {
		return func(error) {}
	}
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("operation", name))
	return func(err error) {
		if p.opDuration != nil {
			p.opDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && p.opErrors != nil {
			p.opErrors.Add(ctx, 1, attrs)
		}
	}
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
