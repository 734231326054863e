package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("media_gateway_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("media_gateway_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("media_gateway_http_request_duration_seconds")
	require.NoError(t, err)

	cacheLookupsTotal, err := meter.Int64Counter("media_gateway_cache_lookups_total")
	require.NoError(t, err)

	translationsTotal, err := meter.Int64Counter("media_gateway_translations_total")
	require.NoError(t, err)

	translationDuration, err := meter.Float64Histogram("media_gateway_translation_duration_seconds")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:       requestsTotal,
		responseBytesTotal:  responseBytesTotal,
		requestDuration:     requestDuration,
		cacheLookupsTotal:   cacheLookupsTotal,
		translationsTotal:   translationsTotal,
		translationDuration: translationDuration,
		meterProvider:       mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/stream/0196ff09", nil)
	r = InjectTags(r)
	SetBackend(r, "remote-share")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_gateway_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "backend", "remote-share"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "media_gateway_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "media_gateway_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_gateway_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "backend", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheLookup(context.Background(), CacheHit)
	RecordCacheLookup(context.Background(), CacheHit)
	RecordCacheLookup(context.Background(), CacheNegative)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_gateway_cache_lookups_total")
	require.Len(t, dps, 2)

	var hits, negatives int64
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "hit") {
			hits = dp.Value
		}
		if hasAttr(dp.Attributes, "result", "negative") {
			negatives = dp.Value
		}
	}
	require.EqualValues(t, 2, hits)
	require.EqualValues(t, 1, negatives)
}

func TestRecordTranslation(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordTranslation(context.Background(), "short_circuit", 2*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "media_gateway_translations_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "result", "short_circuit"))

	histDps := findHistogram(rm, "media_gateway_translation_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{206, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{403, "4xx"},
		{404, "4xx"},
		{416, "4xx"},
		{502, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
