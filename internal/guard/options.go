package guard

import (
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// AbandonPolicy decides what happens when rolling back an abandoned guard
// fails.
type AbandonPolicy int

const (
	// AbandonLog logs the failure and returns it from Do or Scope.Close.
	AbandonLog AbandonPolicy = iota
	// AbandonPanic panics with the failure.
	AbandonPanic
)

func (p AbandonPolicy) String() string {
	if p == AbandonPanic {
		return "panic"
	}
	return "log"
}

// ParseAbandonPolicy accepts the config spelling, "log" or "panic".
func ParseAbandonPolicy(s string) (AbandonPolicy, error) {
	switch s {
	case "", "log":
		return AbandonLog, nil
	case "panic":
		return AbandonPanic, nil
	}
	return AbandonLog, fmt.Errorf("unknown abandon policy %q", s)
}

type options struct {
	logger        *zap.Logger
	meterProvider metric.MeterProvider
	noMetrics     bool
	policy        AbandonPolicy
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
		o.noMetrics = false
	}
}

func WithoutMetrics() Option {
	return func(o *options) { o.noMetrics = true }
}

func WithAbandonPolicy(p AbandonPolicy) Option {
	return func(o *options) { o.policy = p }
}

var (
	globalMetrics     *metrics
	globalMetricsOnce sync.Once
)

func buildOptions(opts []Option) (options, *metrics) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.noMetrics {
		return o, nil
	}
	if o.meterProvider != nil {
		m, err := newMetrics(o.meterProvider)
		if err != nil {
			o.logger.Warn("dirstate guard metrics disabled", zap.Error(err))
			return o, nil
		}
		return o, m
	}

	globalMetricsOnce.Do(func() {
		m, err := newMetrics(nil)
		if err != nil {
			o.logger.Warn("dirstate guard metrics disabled", zap.Error(err))
			return
		}
		globalMetrics = m
	})
	return o, globalMetrics
}
