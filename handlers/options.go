package handlers

import (
	"github.com/Perceptus-Labs/perceptus-live/metrics"
	"github.com/Perceptus-Labs/perceptus-live/utils"
	"go.uber.org/zap"
)

type options struct {
	clock   utils.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option customizes the clock, logger or metrics of a pipeline component.
type Option func(*options)

func WithClock(c utils.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  utils.RealClock(),
		logger: zap.L(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
