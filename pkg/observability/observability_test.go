package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestProviderRecordsMeshMetrics(t *testing.T) {
	reader := metric.NewManualReader()
	cfg := DefaultConfig()
	cfg.Reader = reader

	ctx := context.Background()
	p, err := New(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(ctx) }()

	p.RecordEnvelope(ctx, "node-e1")
	p.RecordEnvelope(ctx, "node-e1")
	p.RecordValidation(ctx, "ACCEPT", "")
	p.RecordValidation(ctx, "REJECT", "BAD_SIGNATURE")
	p.RecordDrift(ctx, "authority_bypass", "red")
	p.RecordSeal(ctx, "node-s1")
	p.RecordReplication(ctx, "push", "node-b")
	p.RecordScore(ctx, "acme", 85.75)

	metrics := collect(t, reader)
	require.Contains(t, metrics, "mesh.envelopes.total")
	require.Contains(t, metrics, "mesh.validations.total")
	require.Contains(t, metrics, "mesh.drift.signals.total")
	require.Contains(t, metrics, "mesh.credibility.score")

	envelopes := metrics["mesh.envelopes.total"].Data.(metricdata.Sum[int64])
	require.Len(t, envelopes.DataPoints, 1)
	assert.Equal(t, int64(2), envelopes.DataPoints[0].Value)

	validations := metrics["mesh.validations.total"].Data.(metricdata.Sum[int64])
	assert.Len(t, validations.DataPoints, 2, "one series per verdict")

	score := metrics["mesh.credibility.score"].Data.(metricdata.Gauge[float64])
	require.Len(t, score.DataPoints, 1)
	assert.InDelta(t, 85.75, score.DataPoints[0].Value, 1e-9)
}

func TestTrackOperation(t *testing.T) {
	reader := metric.NewManualReader()
	cfg := DefaultConfig()
	cfg.Reader = reader

	ctx := context.Background()
	p, err := New(ctx, cfg)
	require.NoError(t, err)

	done := p.TrackOperation(ctx, "seal")
	done(nil)
	done = p.TrackOperation(ctx, "seal")
	done(errors.New("seal failed"))

	metrics := collect(t, reader)
	hist := metrics["mesh.operation.duration"].Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)

	errs := metrics["mesh.operation.errors.total"].Data.(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)
}

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// No instruments: every record is a no-op, not a panic.
	p.RecordEnvelope(ctx, "node-e1")
	p.RecordScore(ctx, "acme", 90)
	p.TrackOperation(ctx, "noop")(nil)
	require.NoError(t, p.Shutdown(ctx))
}
