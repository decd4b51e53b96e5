package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElasticDash/ElasticDash-BE-sub001/core"
)

var _ core.Telemetry = (*OTelProvider)(nil)

func TestStdoutProviderSpans(t *testing.T) {
	provider, err := NewOTelProvider("elasticdash-test", ExporterStdout, "")
	require.NoError(t, err)
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()

	ctx, span := provider.StartSpan(context.Background(), "test.operation")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	span.SetAttribute("string", "v")
	span.SetAttribute("int", 1)
	span.SetAttribute("float", 1.5)
	span.SetAttribute("bool", true)
	span.SetAttribute("other", struct{ X int }{1})
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestRecordMetricReusesCounter(t *testing.T) {
	provider, err := NewOTelProvider("elasticdash-test", ExporterStdout, "")
	require.NoError(t, err)
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()

	provider.RecordMetric("orchestrator.requests.total", 1, map[string]string{"status": "ok"})
	provider.RecordMetric("orchestrator.requests.total", 1, nil)
	assert.Len(t, provider.counters, 1)
}

func TestUnknownExporterRejected(t *testing.T) {
	_, err := NewOTelProvider("svc", "jaeger", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
}
