package executor

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 执行器指标
type Metrics struct {
	statements    *prometheus.CounterVec
	commits       prometheus.Counter
	failures      prometheus.Counter
	batchDuration prometheus.Histogram
}

// NewMetrics 创建并注册执行器指标，重复注册时复用已注册的指标
func NewMetrics(name string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		statements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_statements_total",
				Help: "Total number of executed patch statements",
			},
			[]string{"kind"},
		),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name + "_commits_total",
			Help: "Total number of committed patch batches",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name + "_failures_total",
			Help: "Total number of failed patch executions",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name + "_batch_duration_seconds",
			Help:    "Duration of a committed patch batch in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	if m.statements, err = register(reg, m.statements); err != nil {
		return nil, err
	}
	if m.commits, err = register(reg, m.commits); err != nil {
		return nil, err
	}
	if m.failures, err = register(reg, m.failures); err != nil {
		return nil, err
	}
	if m.batchDuration, err = register(reg, m.batchDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, errors.Wrap(err, "prometheus.Registerer.Register failed")
	}
	return c, nil
}
