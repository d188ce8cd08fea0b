package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/MrEthical07/authflow"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.Mutex
	counters map[authflow.MetricID]uint64
	latency  []uint64
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() authflow.MetricsSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := authflow.MetricsSnapshot{
		Counters:   map[authflow.MetricID]uint64{},
		Histograms: map[authflow.MetricID][]uint64{},
	}
	for k, v := range f.counters {
		s.Counters[k] = v
	}
	if f.latency != nil {
		s.Histograms[authflow.MetricAuthenticateLatency] = append([]uint64(nil), f.latency...)
	}
	return s
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func newReader(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if len(data.DataPoints) > 0 {
					out[m.Name] = data.DataPoints[0].Value
				}
			case metricdata.Gauge[int64]:
				if len(data.DataPoints) > 0 {
					out[m.Name] = data.DataPoints[0].Value
				}
			}
		}
	}
	return out
}

func TestExporterPublishesCountersAndBuckets(t *testing.T) {
	reader, mp := newReader(t)
	src := &fakeSource{
		counters: map[authflow.MetricID]uint64{
			authflow.MetricLoginSuccess:         3,
			authflow.MetricRefreshReuseDetected: 1,
		},
		latency: []uint64{2, 1, 0, 0, 0, 0, 0, 1},
		dropped: 4,
	}

	exp, err := New(mp.Meter("authflow-test"), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	got := collect(t, reader)
	want := map[string]int64{
		"authflow_login_success_total":                          3,
		"authflow_refresh_reuse_detected_total":                 1,
		"authflow_audit_dropped_total":                          4,
		"authflow_authenticate_latency_seconds_bucket_le_0_001": 2,
		"authflow_authenticate_latency_seconds_bucket_le_0_002": 3,
		"authflow_authenticate_latency_seconds_bucket_le_inf":   4,
		"authflow_authenticate_latency_seconds_count":           4,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestExporterRejectsNilArguments(t *testing.T) {
	_, mp := newReader(t)
	if _, err := New(mp.Meter("authflow-test"), nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := New(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterCloseStopsCallback(t *testing.T) {
	reader, mp := newReader(t)
	exp, err := New(mp.Meter("authflow-test"), &fakeSource{
		counters: map[authflow.MetricID]uint64{authflow.MetricLogout: 9},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v, ok := collect(t, reader)["authflow_logout_total"]; ok {
		t.Fatalf("expected no datapoint after Close, got %d", v)
	}
}

func TestExporterConcurrentCollect(t *testing.T) {
	reader, mp := newReader(t)
	src := &fakeSource{counters: map[authflow.MetricID]uint64{}}
	exp, err := New(mp.Meter("authflow-test"), src)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.counters[authflow.MetricLoginSuccess] = v
			src.mu.Unlock()
			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
