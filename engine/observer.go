package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/planp1125-pixel/plandb-mvp/log/logger"
)

// observerMetrics 引擎操作的 prometheus 指标
type observerMetrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  *prometheus.GaugeVec
	cacheLookups      *prometheus.CounterVec
}

func newObserverMetrics(name string, reg prometheus.Registerer) (*observerMetrics, error) {
	m := &observerMetrics{
		operationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of engine operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_operation_duration_seconds",
				Help:    "Duration of engine operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"operation"},
		),
		activeOperations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name + "_active_operations",
				Help: "Number of active engine operations",
			},
			[]string{"operation"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_snapshot_cache_lookups_total",
				Help: "Schema snapshot cache lookups",
			},
			[]string{"result"},
		),
	}

	for _, c := range []prometheus.Collector{m.operationCounter, m.operationDuration, m.activeOperations, m.cacheLookups} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observer 为每个引擎操作记录指标、追踪和日志
type observer struct {
	name    string
	logger  logger.Logger
	metrics *observerMetrics
	tracer  trace.Tracer
}

func newObserver(name string, l logger.Logger, metrics *observerMetrics, enableTracing bool) *observer {
	obs := &observer{
		name:    name,
		logger:  l,
		metrics: metrics,
	}
	if enableTracing {
		obs.tracer = otel.Tracer(fmt.Sprintf("engine.%s", name))
	}
	return obs
}

func (obs *observer) observe(ctx context.Context, operation string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if obs.tracer != nil {
		ctx, span = obs.tracer.Start(ctx, fmt.Sprintf("engine.%s", operation),
			trace.WithAttributes(append([]attribute.KeyValue{
				attribute.String("component", obs.name),
				attribute.String("operation", operation),
			}, attrs...)...),
		)
		defer span.End()
	}

	obs.metrics.activeOperations.WithLabelValues(operation).Inc()
	defer obs.metrics.activeOperations.WithLabelValues(operation).Dec()

	err := fn(ctx)
	duration := time.Since(start)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	obs.metrics.operationCounter.WithLabelValues(operation, status).Inc()
	obs.metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())

	args := []any{"operation", operation, "duration_ms", duration.Milliseconds()}
	for _, a := range attrs {
		args = append(args, string(a.Key), a.Value.Emit())
	}
	if err != nil {
		obs.logger.ErrorContext(ctx, "engine operation failed", append(args, "error", err.Error())...)
	} else {
		obs.logger.InfoContext(ctx, "engine operation completed", args...)
	}
	return err
}

func (obs *observer) cacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	obs.metrics.cacheLookups.WithLabelValues(result).Inc()
}
