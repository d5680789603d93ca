package syncpt

import (
	"github.com/joeycumines/logiface"
)

const (
	defaultCount       = 32
	defaultBaseAddress = 0x6000_0000
	defaultStride      = 0x1000
)

// serviceOptions holds configuration for a [Service].
type serviceOptions struct {
	logger      *logiface.Logger[logiface.Event]
	baseAddress uint64
	stride      uint64
	count       int
}

// Option configures a [Service]. Options are applied by New.
type Option interface {
	applyOption(*serviceOptions)
}

// serviceOptionImpl implements [Option] via a closure.
type serviceOptionImpl struct {
	fn func(*serviceOptions)
}

func (o *serviceOptionImpl) applyOption(opts *serviceOptions) {
	o.fn(opts)
}

// WithLogger configures the logger. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &serviceOptionImpl{fn: func(opts *serviceOptions) {
		opts.logger = logger
	}}
}

// WithCount configures the number of syncpoints, which defaults to 32.
// It will panic if count is not positive.
func WithCount(count int) Option {
	if count <= 0 {
		panic(`syncpt: count must be positive`)
	}
	return &serviceOptionImpl{fn: func(opts *serviceOptions) {
		opts.count = count
	}}
}

// WithAddressSpace configures the device address of syncpoint 0, and the
// distance between the addresses of consecutive syncpoints.
// It will panic if stride is 0.
func WithAddressSpace(base, stride uint64) Option {
	if stride == 0 {
		panic(`syncpt: stride must be non-zero`)
	}
	return &serviceOptionImpl{fn: func(opts *serviceOptions) {
		opts.baseAddress = base
		opts.stride = stride
	}}
}

// resolveOptions applies the given options to the defaults.
func resolveOptions(opts []Option) *serviceOptions {
	cfg := &serviceOptions{
		count:       defaultCount,
		baseAddress: defaultBaseAddress,
		stride:      defaultStride,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyOption(cfg)
	}
	return cfg
}
