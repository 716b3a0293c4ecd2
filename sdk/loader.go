// Package sdk loads the relayer SDK once per process and builds relayer
// runtimes on top of it.
package sdk

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/types"
)

// Decoder turns fetched distribution bytes into a usable SDK.
type Decoder interface {
	Decode(ctx context.Context, distribution []byte) (RelayerSDK, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, distribution []byte) (RelayerSDK, error)

func (f DecoderFunc) Decode(ctx context.Context, distribution []byte) (RelayerSDK, error) {
	return f(ctx, distribution)
}

var errNotYetLoaded = errors.New("relayer sdk not loaded yet")

// Loader guarantees a single shared copy of the relayer SDK is fetched and
// initialized regardless of how many callers ask for it.
type Loader struct {
	env          Environment
	url          string
	fetcher      Fetcher
	decoder      Decoder
	pollInterval time.Duration
	timeout      time.Duration
	initGroup    singleflight.Group
	logger       logger.Logger
	metrics      metrics.Recorder
}

type LoaderOption func(*Loader)

func WithEnvironment(env Environment) LoaderOption {
	return func(l *Loader) { l.env = env }
}

func WithFetcher(f Fetcher) LoaderOption {
	return func(l *Loader) { l.fetcher = f }
}

func WithDecoder(d Decoder) LoaderOption {
	return func(l *Loader) { l.decoder = d }
}

// WithPolling sets the poll interval and overall wait bound used while
// another caller's fetch is in flight.
func WithPolling(interval, timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.pollInterval = interval
		l.timeout = timeout
	}
}

func WithLoaderLogger(lg logger.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger.OrNoop(lg) }
}

func WithLoaderMetrics(r metrics.Recorder) LoaderOption {
	return func(l *Loader) { l.metrics = metrics.OrNoop(r) }
}

// NewLoader builds a loader for the SDK distributed at url. Without options
// it uses the global environment, an HTTP fetcher and the WASM decoder.
func NewLoader(url string, opts ...LoaderOption) *Loader {
	l := &Loader{
		env:          GlobalEnvironment(),
		url:          url,
		fetcher:      NewHTTPFetcher(),
		pollInterval: types.DefaultLoaderPollInterval,
		timeout:      types.DefaultLoaderTimeout,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.decoder == nil {
		l.decoder = NewWasmDecoder(nil, l.logger)
	}
	return l
}

// IsLoaded reports whether an SDK is present in the environment.
func (l *Loader) IsLoaded() bool {
	_, ok := l.env.Lookup()
	return ok
}

// IsInitialized reports whether the loaded SDK completed its one-time setup.
func (l *Loader) IsInitialized() bool {
	return l.IsLoaded() && l.env.Initialized()
}

// SDK returns the loaded and initialized SDK.
func (l *Loader) SDK() (RelayerSDK, error) {
	sdk, ok := l.env.Lookup()
	if !ok {
		return nil, types.NewError(types.ErrCodeLoadFailed, nil, "relayer sdk not loaded")
	}
	if !l.env.Initialized() {
		return nil, types.NewError(types.ErrCodeInitFailed, nil, "relayer sdk not initialized")
	}
	return sdk, nil
}

// Load fetches the SDK unless it is already present. When another caller's
// fetch is pending it polls until the SDK appears or the timeout elapses.
// Exactly one fetch happens per pending marker.
func (l *Loader) Load(ctx context.Context) error {
	if l.IsLoaded() {
		l.logger.Debug("relayer sdk already loaded", nil)
		return nil
	}
	if l.url == "" {
		return types.NewError(types.ErrCodeConfig, nil, "relayer sdk url not configured")
	}

	if !l.env.BeginFetch(l.url) {
		l.logger.Debug("relayer sdk fetch pending, polling", map[string]any{"url": l.url})
		return l.wait()
	}
	defer l.env.EndFetch(l.url)

	// Another caller may have completed its fetch between the check above and
	// placing the marker.
	if l.IsLoaded() {
		l.logger.Debug("relayer sdk loaded by another caller", nil)
		return nil
	}

	// The fetch outlives a cancelled caller since pollers depend on it.
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	start := time.Now()
	l.logger.Info("fetching relayer sdk", map[string]any{"url": l.url})
	dist, err := l.fetcher.Fetch(fetchCtx, l.url)
	if err != nil {
		if fetchCtx.Err() != nil {
			return types.NewError(types.ErrCodeLoadTimeout, err, "relayer sdk fetch timed out after %s", l.timeout)
		}
		return types.NewError(types.ErrCodeLoadFailed, err, "failed to load relayer sdk from %s", l.url)
	}
	l.metrics.IncCounter(metrics.SDKFetched, nil)

	sdk, err := l.decoder.Decode(fetchCtx, dist)
	if err != nil || sdk == nil {
		return types.NewError(types.ErrCodeLoadFailed, err, "relayer sdk fetched but not available")
	}
	l.env.Install(sdk)
	l.metrics.ObserveLatency(metrics.SDKLoadLatency, time.Since(start), nil)
	l.logger.Info("relayer sdk loaded", map[string]any{"url": l.url, "bytes": len(dist)})
	return nil
}

// wait polls at a fixed interval, bounded by the loader timeout and
// independent of caller cancellation. It ends early when the pending marker
// disappears without an SDK being installed.
func (l *Loader) wait() error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(l.pollInterval),
		backoff.WithMaxInterval(l.pollInterval),
		backoff.WithMultiplier(1),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(l.timeout),
	)

	err := backoff.Retry(func() error {
		if l.IsLoaded() {
			return nil
		}
		if !l.env.FetchPending(l.url) {
			// The fetcher may have installed the SDK just before removing
			// its marker.
			if l.IsLoaded() {
				return nil
			}
			return backoff.Permanent(types.NewError(types.ErrCodeLoadFailed, nil, "relayer sdk fetch by another caller failed"))
		}
		return errNotYetLoaded
	}, b)

	switch {
	case err == nil:
		l.logger.Debug("relayer sdk became available", nil)
		return nil
	case errors.Is(err, errNotYetLoaded):
		return types.NewError(types.ErrCodeLoadTimeout, nil, "relayer sdk load timeout after %s", l.timeout)
	default:
		return err
	}
}

// Initialize runs the SDK's one-time setup. Concurrent callers share one
// invocation; a false result is reported as INIT_FAILED.
func (l *Loader) Initialize(ctx context.Context) error {
	if l.IsInitialized() {
		return nil
	}
	sdk, ok := l.env.Lookup()
	if !ok {
		return types.NewError(types.ErrCodeLoadFailed, nil, "relayer sdk not loaded, call Load first")
	}

	_, err, shared := l.initGroup.Do(l.url, func() (any, error) {
		if l.env.Initialized() {
			return nil, nil
		}
		l.logger.Info("initializing relayer sdk", nil)
		ok, err := sdk.InitSDK(ctx)
		if err != nil {
			return nil, types.NewError(types.ErrCodeInitFailed, err, "relayer sdk initialization failed")
		}
		if !ok {
			return nil, types.NewError(types.ErrCodeInitFailed, nil, "relayer sdk initialization failed")
		}
		l.env.MarkInitialized()
		l.logger.Info("relayer sdk initialized", nil)
		return nil, nil
	})
	if shared {
		l.logger.Debug("joined in-flight relayer sdk initialization", nil)
	}
	return err
}
