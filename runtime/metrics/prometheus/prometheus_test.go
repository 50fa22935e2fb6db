package prometheus

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHTTPRequest(t *testing.T) {
	httpRequestDuration.Reset()
	httpRequestsTotal.Reset()

	RecordHTTPRequest("/api/files", http.MethodPost, "200", 0.25)
	RecordHTTPRequest("/api/files", http.MethodPost, "200", 0.5)
	RecordHTTPRequest("/api/modules/{id}", http.MethodGet, "404", 0.01)

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/api/files", http.MethodPost, "200"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/api/modules/{id}", http.MethodGet, "404"))

	assert.Equal(t, float64(2), ok)
	assert.Equal(t, float64(1), missing)
	assert.NotZero(t, testutil.CollectAndCount(httpRequestDuration))
}

func TestSetContainerOpen(t *testing.T) {
	SetContainerOpen(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(containerOpen))

	SetContainerOpen(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(containerOpen))
}

func TestRecordEditStartEnd(t *testing.T) {
	editsActive.Set(0)

	RecordEditStart()
	assert.Equal(t, float64(1), testutil.ToFloat64(editsActive))

	RecordEditEnd()
	assert.Equal(t, float64(0), testutil.ToFloat64(editsActive))
}

func TestRecordSave(t *testing.T) {
	saveDuration.Reset()

	RecordSave(StatusSuccess, 1.2)
	RecordSave(StatusError, 0.3)

	assert.Equal(t, 2, testutil.CollectAndCount(saveDuration))
}

func TestRecordUpload(t *testing.T) {
	uploadsTotal.Reset()

	RecordUpload(StatusSuccess, 4096)
	RecordUpload(StatusSuccess, 1024)
	RecordUpload(StatusError, 0)

	okCount := testutil.ToFloat64(uploadsTotal.WithLabelValues(StatusSuccess))
	errCount := testutil.ToFloat64(uploadsTotal.WithLabelValues(StatusError))

	assert.Equal(t, float64(2), okCount)
	assert.Equal(t, float64(1), errCount)
}

func TestRecordUploadIgnoresNonPositiveBytes(t *testing.T) {
	before := testutil.ToFloat64(uploadBytesTotal)

	RecordUpload(StatusError, 0)
	RecordUpload(StatusError, -10)

	assert.Equal(t, before, testutil.ToFloat64(uploadBytesTotal))
}

func TestRecordEngineError(t *testing.T) {
	engineErrorsTotal.Reset()

	RecordEngineError("finalize")
	RecordEngineError("finalize")
	RecordEngineError("openReader")

	assert.Equal(t, float64(2), testutil.ToFloat64(engineErrorsTotal.WithLabelValues("finalize")))
	assert.Equal(t, float64(1), testutil.ToFloat64(engineErrorsTotal.WithLabelValues("openReader")))
}

func TestRecordPreview(t *testing.T) {
	previewDuration.Reset()

	RecordPreview(StatusSuccess, 0.02)

	assert.Equal(t, 1, testutil.CollectAndCount(previewDuration))
}

func TestRecordStreamFrame(t *testing.T) {
	before := testutil.ToFloat64(streamFramesTotal)

	RecordStreamFrame()
	RecordStreamFrame()

	assert.Equal(t, before+2, testutil.ToFloat64(streamFramesTotal))
}

func TestRecordFrameFailures(t *testing.T) {
	before := testutil.ToFloat64(frameFailuresTotal)

	RecordFrameFailures(3)
	RecordFrameFailures(0)

	assert.Equal(t, before+3, testutil.ToFloat64(frameFailuresTotal))
}

func TestNewExporterServesBackendMetrics(t *testing.T) {
	exporter := NewExporter(":0")
	require.NotNil(t, exporter.Registry())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, req)

	resp := rec.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "umdf_edits_active")
	assert.Contains(t, string(body), "umdf_upload_bytes_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestExporterHandlerWithCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)
	counter.Inc()

	exporter := NewExporterWithRegistry(":0", reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_counter")
}

func TestExporterRegisterRejectsDuplicates(t *testing.T) {
	exporter := NewExporterWithRegistry(":0", prometheus.NewRegistry())

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "custom_counter",
		Help: "Custom counter",
	})

	require.NoError(t, exporter.Register(counter))
	assert.Error(t, exporter.Register(counter))
}

func TestExporterStartShutdown(t *testing.T) {
	exporter := NewExporterWithRegistry(":0", prometheus.NewRegistry())

	errCh := make(chan error, 1)
	go func() {
		errCh <- exporter.Start()
	}()

	// Give the server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exporter.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for server to stop")
	}
}

func TestExporterDoubleStart(t *testing.T) {
	exporter := NewExporterWithRegistry(":0", prometheus.NewRegistry())

	go func() {
		_ = exporter.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	// Second start returns nil immediately
	assert.NoError(t, exporter.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = exporter.Shutdown(ctx)
}
