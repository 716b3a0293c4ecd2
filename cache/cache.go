// Package cache holds the persisted public-key cache and the decryption
// authorization cache. Both are best-effort: unreadable or stale entries are
// evicted and reported as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/storage"
)

// SchemaVersion is written into every persisted entry. Entries carrying any
// other version are evicted on read.
const SchemaVersion = 1

var errVersion = errors.New("schema version mismatch")

type options struct {
	now          func() time.Time
	ttl          time.Duration
	durationDays int64
	logger       logger.Logger
	metrics      metrics.Recorder
}

type Option func(*options)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTTL sets the public-key freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithGrantDuration sets the validity window, in days, of newly signed grants.
func WithGrantDuration(days int64) Option {
	return func(o *options) { o.durationDays = days }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(o *options) { o.metrics = metrics.OrNoop(r) }
}

func buildOptions(opts []Option) options {
	o := options{
		now:          time.Now,
		ttl:          7 * 24 * time.Hour,
		durationDays: 7,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// versioned wraps a payload with the schema version.
type versioned[T any] struct {
	Version int `json:"version"`
	Entry   T   `json:"entry"`
}

func encode[T any](v T) ([]byte, error) {
	return json.Marshal(versioned[T]{Version: SchemaVersion, Entry: v})
}

func decode[T any](raw []byte) (T, error) {
	var v versioned[T]
	if err := json.Unmarshal(raw, &v); err != nil {
		return v.Entry, err
	}
	if v.Version != SchemaVersion {
		return v.Entry, fmt.Errorf("%w: got %d", errVersion, v.Version)
	}
	return v.Entry, nil
}

// load reads and decodes key. A missing key is (zero, false, nil); an
// unreadable entry is evicted and also reported as a miss.
func load[T any](ctx context.Context, store storage.Store, key string, lg logger.Logger) (T, bool) {
	var zero T
	raw, err := store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return zero, false
	}
	if err != nil {
		lg.Warn("cache read failed", map[string]any{"key": key, "err": err})
		return zero, false
	}
	v, err := decode[T](raw)
	if err != nil {
		lg.Warn("evicting unreadable cache entry", map[string]any{"key": key, "err": err})
		evict(ctx, store, key, lg)
		return zero, false
	}
	return v, true
}

func evict(ctx context.Context, store storage.Store, key string, lg logger.Logger) {
	if err := store.Delete(ctx, key); err != nil {
		lg.Warn("cache eviction failed", map[string]any{"key": key, "err": err})
	}
}
