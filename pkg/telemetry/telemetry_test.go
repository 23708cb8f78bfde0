package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("monitor").
		WithLease("dev@example.com/l-1", "111122223333").
		WithOperationID("op-1").
		Info("threshold breached")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "dev@example.com/l-1", entry["lease"])
	assert.Equal(t, "111122223333", entry["account_id"])
	assert.Equal(t, "op-1", entry["operation_id"])
	assert.Equal(t, "threshold breached", entry["message"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.WithError(errors.New("boom")).Error("kept")
	assert.Contains(t, buf.String(), `"error":"boom"`)
}

func TestLoggerContextRoundTrip(t *testing.T) {
	logger := NewNopLogger()
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestShutdownClosesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leasekeeper.log")
	cfg := DefaultConfig()
	cfg.Logging.Output = path
	cfg.Logging.Format = "json"
	cfg.Metrics.Enabled = false

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	require.NotNil(t, tel.Logger.file)

	tel.Logger.Info("written to file")
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Nil(t, tel.Logger.file)
	assert.NoError(t, tel.Logger.Close(), "closing twice is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Logging.Level = "loud"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Tracing.Enabled = true
	bad.Tracing.Exporter = "jaeger"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Tracing.SamplingRate = 2
	assert.Error(t, bad.Validate())

	assert.NoError(t, ProductionConfig().Validate())
	assert.NoError(t, DevelopmentConfig().Validate())
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	m.RecordCycle("success", 3, time.Second)
	m.RecordLeaseEvent("LeaseBudgetThresholdBreached")
	m.RecordLeaseEvent("LeaseBudgetThresholdBreached")
	m.RecordDeploymentCompleted("FAILED", "DeploymentTimeout", time.Minute)
	m.RecordRetry("StartRollout")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.leasesScanned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.leaseEvents.WithLabelValues("LeaseBudgetThresholdBreached")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deploymentsCompleted.WithLabelValues("FAILED", "DeploymentTimeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("StartRollout")))
}

func TestDisabledMetricsAreSafe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordCycle("success", 1, time.Second)
		m.RecordLeaseFailure("persist")
		m.RecordLeaseEvent("x")
		m.RecordLeaseTransition("Active", "Frozen")
		m.RecordAction("CREATE", "IN_PROGRESS")
		m.RecordDeploymentCompleted("SUCCEEDED", "", time.Second)
		m.RecordProvisioningCall("PollOperation", time.Second)
		m.RecordProvisioningError("PollOperation", "throttled")
		m.RecordRetry("PollOperation")
		m.RecordEventPublished("x", "log")
		m.RecordEventFailure("x", "redis")
	})
	assert.Nil(t, m.Registry())
}

func TestRecordProvisioningCall(t *testing.T) {
	tel := NewNop()
	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	tel.Metrics = metrics

	boom := errors.New("throttled")
	err = tel.RecordProvisioningCall(context.Background(), "StartRollout",
		func(error) string { return "throttled" },
		func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, tel.RecordProvisioningCall(context.Background(), "StartRollout", nil,
		func(context.Context) error { return nil }))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.provisioningCalls.WithLabelValues("StartRollout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.provisioningErrors.WithLabelValues("StartRollout", "throttled")))
}

func TestStartOperationWithNopTracer(t *testing.T) {
	tel := NewNop()
	op := tel.StartOperation(context.Background(), "deploy.CREATE", AttrOperationID.String("op-1"))
	require.NotNil(t, op.Logger)
	assert.Same(t, op.Logger, FromContext(op.Ctx))
	op.End(errors.New("failed"))
}
