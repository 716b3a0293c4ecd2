package fhevm

import (
	"time"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/runtime"
	"github.com/zenchain/fhevm/storage"
)

type Option func(*Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = metrics.OrNoop(r)
	}
}

// WithStore uses s for every cache. The caller keeps ownership of s.
func WithStore(s storage.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithFactoryOptions overrides factory components such as the classifier,
// probe or loader.
func WithFactoryOptions(opts ...runtime.Option) Option {
	return func(c *Client) {
		c.factoryOps = append(c.factoryOps, opts...)
	}
}
