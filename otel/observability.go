package otel

import (
	"context"
	"time"

	"github.com/jilio/stasis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/jilio/stasis"
)

// Observability implements stasis.Observability using OpenTelemetry
type Observability struct {
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	saveCounter   metric.Int64Counter
	saveDuration  metric.Float64Histogram
	saveBytes     metric.Int64Histogram
	saveSkipped   metric.Int64Counter
	loadCounter   metric.Int64Counter
	loadDuration  metric.Float64Histogram
	loadSkipped   metric.Int64Counter
	emitCounter   metric.Int64Counter
	replayCounter metric.Int64Counter
	replayErrors  metric.Int64Counter
}

// Option configures the Observability
type Option func(*Observability)

// WithTracerProvider sets a custom tracer provider
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *Observability) {
		o.tracer = provider.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets a custom meter provider
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Observability) {
		o.meter = provider.Meter(instrumentationName)
	}
}

// New creates a new OpenTelemetry observability implementation
func New(opts ...Option) (*Observability, error) {
	obs := &Observability{
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	// Apply options
	for _, opt := range opts {
		opt(obs)
	}

	// Initialize metrics
	var err error

	obs.saveCounter, err = obs.meter.Int64Counter(
		"stasis.save.count",
		metric.WithDescription("Number of save operations"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, err
	}

	obs.saveDuration, err = obs.meter.Float64Histogram(
		"stasis.save.duration",
		metric.WithDescription("Save operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.saveBytes, err = obs.meter.Int64Histogram(
		"stasis.save.bytes",
		metric.WithDescription("Size of produced state streams"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	obs.saveSkipped, err = obs.meter.Int64Counter(
		"stasis.save.skipped",
		metric.WithDescription("Number of participants skipped during save"),
		metric.WithUnit("{participant}"),
	)
	if err != nil {
		return nil, err
	}

	obs.loadCounter, err = obs.meter.Int64Counter(
		"stasis.load.count",
		metric.WithDescription("Number of load operations"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, err
	}

	obs.loadDuration, err = obs.meter.Float64Histogram(
		"stasis.load.duration",
		metric.WithDescription("Load operation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	obs.loadSkipped, err = obs.meter.Int64Counter(
		"stasis.load.skipped",
		metric.WithDescription("Number of records skipped during load"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	obs.emitCounter, err = obs.meter.Int64Counter(
		"stasis.sync.emit.count",
		metric.WithDescription("Number of sync events emitted"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	obs.replayCounter, err = obs.meter.Int64Counter(
		"stasis.sync.replay.count",
		metric.WithDescription("Number of sync events replayed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	obs.replayErrors, err = obs.meter.Int64Counter(
		"stasis.sync.replay.errors",
		metric.WithDescription("Number of sync event replay errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return obs, nil
}

// OnSaveStart is called when a save operation starts
func (o *Observability) OnSaveStart(ctx context.Context, level stasis.Level, format stasis.Format) context.Context {
	ctx, _ = o.tracer.Start(ctx, "stasis.save",
		trace.WithAttributes(
			attribute.String("save.level", level.String()),
			attribute.Int("save.format", int(format)),
		),
	)

	o.saveCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("save.level", level.String()),
		),
	)

	return ctx
}

// OnSaveComplete is called when a save operation completes
func (o *Observability) OnSaveComplete(ctx context.Context, duration time.Duration, records, skipped, size int, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("save.records", records),
		attribute.Int("save.skipped", skipped),
		attribute.Int("save.bytes", size),
	)

	o.saveDuration.Record(ctx, float64(duration.Milliseconds()))
	o.saveBytes.Record(ctx, int64(size))
	if skipped > 0 {
		o.saveSkipped.Add(ctx, int64(skipped))
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// OnLoadStart is called when a load operation starts
func (o *Observability) OnLoadStart(ctx context.Context) context.Context {
	ctx, _ = o.tracer.Start(ctx, "stasis.load")
	o.loadCounter.Add(ctx, 1)
	return ctx
}

// OnLoadComplete is called when a load operation completes
func (o *Observability) OnLoadComplete(ctx context.Context, duration time.Duration, loaded, skipped int, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int("load.records", loaded),
		attribute.Int("load.skipped", skipped),
	)

	o.loadDuration.Record(ctx, float64(duration.Milliseconds()))
	if skipped > 0 {
		o.loadSkipped.Add(ctx, int64(skipped))
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// OnEventEmit is called when a sync event is propagated to subscribers
func (o *Observability) OnEventEmit(ctx context.Context, method string) {
	o.emitCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sync.method", method),
		),
	)
}

// OnEventReplay is called after a received sync event has been executed
func (o *Observability) OnEventReplay(ctx context.Context, method string, err error) {
	o.replayCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sync.method", method),
		),
	)
	if err != nil {
		o.replayErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("sync.method", method),
			),
		)
	}
}
