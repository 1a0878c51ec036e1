package otel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jilio/stasis"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// errorMeterProvider wraps a real MeterProvider and returns an errorMeter
type errorMeterProvider struct {
	metric.MeterProvider
	base   metric.MeterProvider
	failOn string
}

func (e *errorMeterProvider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	baseMeter := e.base.Meter(name, opts...)
	return &errorMeter{
		Meter:  baseMeter,
		base:   baseMeter,
		failOn: e.failOn,
	}
}

// errorMeter wraps a real Meter and returns errors for specific metric names
type errorMeter struct {
	metric.Meter
	base   metric.Meter
	failOn string
}

func (e *errorMeter) Int64Counter(name string, options ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == e.failOn {
		return nil, fmt.Errorf("failed to create counter: %s", name)
	}
	return e.base.Int64Counter(name, options...)
}

func (e *errorMeter) Int64Histogram(name string, options ...metric.Int64HistogramOption) (metric.Int64Histogram, error) {
	if name == e.failOn {
		return nil, fmt.Errorf("failed to create histogram: %s", name)
	}
	return e.base.Int64Histogram(name, options...)
}

func (e *errorMeter) Float64Histogram(name string, options ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if name == e.failOn {
		return nil, fmt.Errorf("failed to create histogram: %s", name)
	}
	return e.base.Float64Histogram(name, options...)
}

func TestNew(t *testing.T) {
	t.Run("default_providers", func(t *testing.T) {
		obs, err := New()
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		if obs == nil {
			t.Fatal("New() returned nil")
		}
	})

	t.Run("custom_tracer_provider", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		obs, err := New(WithTracerProvider(tp))
		if err != nil {
			t.Fatalf("New() with custom tracer failed: %v", err)
		}
		if obs.tracer == nil {
			t.Fatal("tracer not set")
		}
	})

	t.Run("custom_meter_provider", func(t *testing.T) {
		mp := sdkmetric.NewMeterProvider()
		obs, err := New(WithMeterProvider(mp))
		if err != nil {
			t.Fatalf("New() with custom meter failed: %v", err)
		}
		if obs.meter == nil {
			t.Fatal("meter not set")
		}
	})

	metricNames := []string{
		"stasis.save.count",
		"stasis.save.duration",
		"stasis.save.bytes",
		"stasis.save.skipped",
		"stasis.load.count",
		"stasis.load.duration",
		"stasis.load.skipped",
		"stasis.sync.emit.count",
		"stasis.sync.replay.count",
		"stasis.sync.replay.errors",
	}
	for _, name := range metricNames {
		t.Run("metric_creation_error_"+name, func(t *testing.T) {
			base := sdkmetric.NewMeterProvider()
			mp := &errorMeterProvider{
				MeterProvider: base,
				base:          base,
				failOn:        name,
			}
			obs, err := New(WithMeterProvider(mp))
			if err == nil {
				t.Fatalf("expected error when creating %s", name)
			}
			if obs != nil {
				t.Fatal("expected nil observability on error")
			}
		})
	}
}

func TestObservabilityInterface(t *testing.T) {
	// Verify that Observability implements stasis.Observability
	var _ stasis.Observability = (*Observability)(nil)
}

func TestSaveTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	obs, err := New(WithTracerProvider(tp))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	t.Run("success", func(t *testing.T) {
		exporter.Reset()

		ctx := context.Background()
		ctx = obs.OnSaveStart(ctx, stasis.Complete, stasis.FormatGzip)
		obs.OnSaveComplete(ctx, 10*time.Millisecond, 5, 1, 256, nil)

		tp.ForceFlush(ctx)

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}

		span := spans[0]
		if span.Name != "stasis.save" {
			t.Errorf("expected span name 'stasis.save', got %q", span.Name)
		}

		foundLevel := false
		foundRecords := false
		for _, attr := range span.Attributes {
			if string(attr.Key) == "save.level" && attr.Value.AsString() == stasis.Complete.String() {
				foundLevel = true
			}
			if string(attr.Key) == "save.records" && attr.Value.AsInt64() == 5 {
				foundRecords = true
			}
		}
		if !foundLevel {
			t.Error("span missing save.level attribute")
		}
		if !foundRecords {
			t.Error("span missing save.records attribute")
		}
	})

	t.Run("error", func(t *testing.T) {
		exporter.Reset()

		ctx := context.Background()
		ctx = obs.OnSaveStart(ctx, stasis.ChangesSincePreviousSave, stasis.FormatUncompressed)
		obs.OnSaveComplete(ctx, 10*time.Millisecond, 0, 0, 0, errors.New("boom"))

		tp.ForceFlush(ctx)

		spans := exporter.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("expected 1 span, got %d", len(spans))
		}
		if spans[0].Status.Code != codes.Error {
			t.Errorf("expected error status, got %v", spans[0].Status.Code)
		}
		if len(spans[0].Events) == 0 {
			t.Error("expected error event in span")
		}
	})
}

func TestLoadTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	obs, err := New(WithTracerProvider(tp))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	ctx = obs.OnLoadStart(ctx)
	obs.OnLoadComplete(ctx, 5*time.Millisecond, 3, 1, nil)

	tp.ForceFlush(ctx)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "stasis.load" {
		t.Errorf("expected span name 'stasis.load', got %q", span.Name)
	}

	foundLoaded := false
	for _, attr := range span.Attributes {
		if string(attr.Key) == "load.records" && attr.Value.AsInt64() == 3 {
			foundLoaded = true
		}
	}
	if !foundLoaded {
		t.Error("span missing load.records attribute")
	}
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
	)

	obs, err := New(WithMeterProvider(mp))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()

	// Simulate a save, a load, an emit, and a failed replay
	sctx := obs.OnSaveStart(ctx, stasis.Complete, stasis.FormatUncompressed)
	obs.OnSaveComplete(sctx, 10*time.Millisecond, 2, 1, 128, nil)

	lctx := obs.OnLoadStart(ctx)
	obs.OnLoadComplete(lctx, 5*time.Millisecond, 2, 1, nil)

	obs.OnEventEmit(ctx, "SetSpeed")
	obs.OnEventReplay(ctx, "SetSpeed", errors.New("no such method"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("no scope metrics collected")
	}

	metricNames := make(map[string]bool)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		metricNames[m.Name] = true
	}

	expectedMetrics := []string{
		"stasis.save.count",
		"stasis.save.duration",
		"stasis.save.bytes",
		"stasis.save.skipped",
		"stasis.load.count",
		"stasis.load.duration",
		"stasis.load.skipped",
		"stasis.sync.emit.count",
		"stasis.sync.replay.count",
		"stasis.sync.replay.errors",
	}
	for _, expected := range expectedMetrics {
		if !metricNames[expected] {
			t.Errorf("missing metric: %s", expected)
		}
	}
}

func TestEmitAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
	)

	obs, err := New(WithMeterProvider(mp))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	obs.OnEventEmit(ctx, "Teleport")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	found := false
	for _, scopeMetric := range rm.ScopeMetrics {
		for _, m := range scopeMetric.Metrics {
			if m.Name != "stasis.sync.emit.count" {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					for _, attr := range dp.Attributes.ToSlice() {
						if attr.Key == "sync.method" && attr.Value.AsString() == "Teleport" {
							found = true
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("emit counter missing sync.method attribute")
	}
}

func TestIntegrationWithSynchronizer(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()

	obs, err := New(
		WithTracerProvider(tp),
		WithMeterProvider(mp),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	sync := stasis.New(stasis.WithObservability(obs))

	res, err := sync.SaveStateChanges(context.Background(), stasis.SaveRequest{
		Level:  stasis.Complete,
		Format: stasis.FormatUncompressed,
	})
	if err != nil {
		t.Fatalf("SaveStateChanges() failed: %v", err)
	}
	if res.Records != 0 {
		t.Errorf("expected empty save, got %d records", res.Records)
	}
}
