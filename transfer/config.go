package transfer

import (
	"time"

	"github.com/chunkwise/chunkwise/plan"
)

// Config holds scheduler settings for one object transfer.
type Config struct {
	// Concurrency is the maximum number of simultaneous chunk sends.
	Concurrency int

	// MaxRetries is the number of retries per chunk after the first attempt.
	MaxRetries int

	// BaseRetryDelay is multiplied by the attempt number to form the
	// backoff before each retry.
	// Default: 2 seconds
	BaseRetryDelay time.Duration

	// LargeObjectThreshold is the chunk count above which every retry waits
	// LargeObjectExtraDelay on top of the backoff. Large transfers tend to
	// fail from sustained congestion rather than one-off blips.
	// Default: 100 chunks
	LargeObjectThreshold int

	// LargeObjectExtraDelay is the flat extra backoff for large objects.
	// Default: 3 seconds
	LargeObjectExtraDelay time.Duration

	// AlreadyReceived lists chunk indices the server reported as present at
	// session init. They are excluded from the pending set on Start.
	AlreadyReceived []uint32

	// OnProgress, when set, is called with a state snapshot after every
	// chunk acknowledgement and status change. It must not block.
	OnProgress func(State)
}

// DefaultConfig returns a config with the backoff defaults filled in.
// Concurrency and MaxRetries still need to come from a plan.
func DefaultConfig() Config {
	return Config{
		BaseRetryDelay:        2 * time.Second,
		LargeObjectThreshold:  100,
		LargeObjectExtraDelay: 3 * time.Second,
	}
}

// ConfigFromPlan returns the default config with concurrency and retry
// budget taken from the given transfer plan.
func ConfigFromPlan(p plan.Plan) Config {
	cfg := DefaultConfig()
	cfg.Concurrency = p.Concurrency
	cfg.MaxRetries = p.MaxRetries
	return cfg
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = 2 * time.Second
	}
	if c.LargeObjectThreshold <= 0 {
		c.LargeObjectThreshold = 100
	}
	return c
}
