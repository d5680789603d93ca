package falcon

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// engineOptions holds configuration for an [Engine].
type engineOptions struct {
	logger   *logiface.Logger[logiface.Event]
	limiter  *catrate.Limiter
	executor Executor
}

// Option configures an [Engine]. Options are applied by New.
type Option interface {
	applyOption(*engineOptions)
}

// engineOptionImpl implements [Option] via a closure.
type engineOptionImpl struct {
	fn func(*engineOptions)
}

func (o *engineOptionImpl) applyOption(opts *engineOptions) {
	o.fn(opts)
}

// WithLogger configures the logger. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &engineOptionImpl{fn: func(opts *engineOptions) {
		opts.logger = logger
	}}
}

// WithSubmitRates limits the rate of task submissions, per queue. A
// submission exceeding any rate is rejected with dlaqueue.ErrProcessorBusy.
// Rates are as accepted by catrate.NewLimiter, which panics if they are
// invalid.
func WithSubmitRates(rates map[time.Duration]int) Option {
	limiter := catrate.NewLimiter(rates)
	return &engineOptionImpl{fn: func(opts *engineOptions) {
		opts.limiter = limiter
	}}
}

// WithExecutor configures the function run for each task, after its
// pre-actions are satisfied, and before its post-actions.
func WithExecutor(executor Executor) Option {
	return &engineOptionImpl{fn: func(opts *engineOptions) {
		opts.executor = executor
	}}
}

func resolveOptions(opts []Option) *engineOptions {
	cfg := &engineOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyOption(cfg)
	}
	return cfg
}
