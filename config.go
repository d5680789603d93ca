package dlaqueue

import (
	"time"

	"github.com/joeycumines/logiface"
)

const (
	defaultMaxQueues        = 16
	defaultMaxPreFences     = 16
	defaultMaxPostFences    = 16
	defaultMaxAddresses     = 6144
	defaultAbortTimeout     = 10 * time.Second
	defaultAbortRetryPeriod = 500 * time.Millisecond
)

type (
	// Config models optional configuration, for NewPool.
	Config struct {
		// Logger receives structured logs. Logging is disabled if nil.
		Logger *logiface.Logger[logiface.Event]

		// MaxQueues is the number of queue ids available to the pool.
		// **Defaults to 16, if 0, or Config is nil.** Queue ids are encoded as
		// a single byte, in the descriptor, so it may not exceed 256.
		MaxQueues int

		// MaxPreFences bounds the number of pre-fences per task.
		// **Defaults to 16, if 0, or Config is nil.**
		MaxPreFences int

		// MaxPostFences bounds the number of post-fences per task.
		// **Defaults to 16, if 0, or Config is nil.**
		MaxPostFences int

		// MaxAddresses bounds the number of entries in a task's address list.
		// **Defaults to 6144, if 0, or Config is nil.**
		MaxAddresses int

		// AbortTimeout is the total time Abort will spend retrying a queue
		// flush, while the firmware reports it is busy.
		// **Defaults to 10s, if 0, or Config is nil.**
		AbortTimeout time.Duration

		// AbortRetryPeriod is the fixed delay between flush attempts.
		// **Defaults to 500ms, if 0, or Config is nil.**
		AbortRetryPeriod time.Duration
	}

	// resolvedConfig is Config with all defaults applied.
	resolvedConfig struct {
		logger           *logiface.Logger[logiface.Event]
		maxQueues        int
		maxPreFences     int
		maxPostFences    int
		maxAddresses     int
		abortRetries     int
		abortRetryPeriod time.Duration
	}
)

func resolveConfig(config *Config) resolvedConfig {
	c := resolvedConfig{
		maxQueues:        defaultMaxQueues,
		maxPreFences:     defaultMaxPreFences,
		maxPostFences:    defaultMaxPostFences,
		maxAddresses:     defaultMaxAddresses,
		abortRetryPeriod: defaultAbortRetryPeriod,
	}
	abortTimeout := defaultAbortTimeout

	if config != nil {
		c.logger = config.Logger
		if config.MaxQueues != 0 {
			c.maxQueues = config.MaxQueues
		}
		if config.MaxPreFences != 0 {
			c.maxPreFences = config.MaxPreFences
		}
		if config.MaxPostFences != 0 {
			c.maxPostFences = config.MaxPostFences
		}
		if config.MaxAddresses != 0 {
			c.maxAddresses = config.MaxAddresses
		}
		if config.AbortTimeout != 0 {
			abortTimeout = config.AbortTimeout
		}
		if config.AbortRetryPeriod != 0 {
			c.abortRetryPeriod = config.AbortRetryPeriod
		}
	}

	if c.maxQueues <= 0 || c.maxQueues > 256 ||
		c.maxPreFences < 0 || c.maxPreFences > maxActionsPerList ||
		c.maxPostFences < 1 || c.maxPostFences > maxActionsPerList ||
		c.maxAddresses < 0 || c.maxAddresses > 0xffff ||
		abortTimeout <= 0 || c.abortRetryPeriod <= 0 {
		panic(`dlaqueue: invalid config`)
	}

	c.abortRetries = int(abortTimeout / c.abortRetryPeriod)
	if c.abortRetries < 1 {
		c.abortRetries = 1
	}

	return c
}
