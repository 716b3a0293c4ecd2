// Package runtime is the single entry point for building an FHE runtime for
// a connection. It classifies the chain, probes local simulators and falls
// back to the relayer SDK, reporting every lifecycle stage on the way.
package runtime

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/zenchain/fhevm/cache"
	"github.com/zenchain/fhevm/clients"
	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/sdk"
	"github.com/zenchain/fhevm/simulation"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
)

// ChainClassifier resolves a connection into a ChainMode.
type ChainClassifier interface {
	Classify(ctx context.Context, conn types.Connection) (types.ChainMode, error)
}

// SimulatorProbe reports the control contracts of an FHE-capable simulator.
type SimulatorProbe interface {
	Probe(ctx context.Context, rpcURL string) (*types.SimulatorMetadata, bool)
}

// SDKLoader provides the shared, initialized relayer SDK.
type SDKLoader interface {
	Load(ctx context.Context) error
	Initialize(ctx context.Context) error
	SDK() (sdk.RelayerSDK, error)
}

// Factory builds runtimes. It holds no per-attempt state and is safe for
// concurrent use.
type Factory struct {
	classifier ChainClassifier
	probe      SimulatorProbe
	loader     SDKLoader
	publicKeys *cache.PublicKeyCache
	store      storage.Store
	namespace  string
	checkACL   bool
	now        func() time.Time
	logger     logger.Logger
	metrics    metrics.Recorder
}

type Option func(*Factory)

func WithClassifier(c ChainClassifier) Option {
	return func(f *Factory) { f.classifier = c }
}

func WithProbe(p SimulatorProbe) Option {
	return func(f *Factory) { f.probe = p }
}

func WithLoader(l SDKLoader) Option {
	return func(f *Factory) { f.loader = l }
}

// WithPublicKeyCache enables key hints for relayer runtimes.
func WithPublicKeyCache(c *cache.PublicKeyCache) Option {
	return func(f *Factory) { f.publicKeys = c }
}

// WithStore sets the store backing the simulator's cleartext ledger.
func WithStore(s storage.Store) Option {
	return func(f *Factory) { f.store = s }
}

// WithClock sets the clock simulation runtimes check request windows
// against.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(f *Factory) { f.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Factory) { f.metrics = metrics.OrNoop(r) }
}

// NewFactory builds a factory from cfg. Components not supplied as options
// are derived from cfg.
func NewFactory(cfg *types.Config, opts ...Option) *Factory {
	f := &Factory{
		namespace: cfg.Namespace,
		checkACL:  cfg.CheckACL,
		logger:    logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.classifier == nil {
		f.classifier = clients.NewClassifier(cfg.SimulationChains, f.logger)
	}
	if f.probe == nil {
		f.probe = clients.NewProbe(f.logger, 0)
	}
	if f.loader == nil {
		f.loader = sdk.NewLoader(cfg.SDKURL,
			sdk.WithPolling(cfg.LoaderPollInterval, cfg.LoaderTimeout),
			sdk.WithDecoder(sdk.NewWasmDecoder(cfg.Networks, f.logger)),
			sdk.WithLoaderLogger(f.logger),
			sdk.WithLoaderMetrics(f.metrics),
		)
	}
	if f.store == nil {
		f.store = storage.NewMemoryStore()
	}
	return f
}

// attempt carries the per-call state of one CreateRuntime invocation.
type attempt struct {
	ctx    context.Context
	conn   types.Connection
	status types.StatusFunc
	logger logger.Logger
}

func (a *attempt) emit(s types.RuntimeStatus) {
	a.logger.Debug("runtime status", map[string]any{"status": s.String()})
	if a.status != nil {
		a.status(s)
	}
}

// CreateRuntime classifies conn and builds a simulation or relayer runtime,
// reporting each stage through status. Cancelling ctx aborts at the next
// stage boundary with an error matching types.ErrCancelled, and no ready
// status is emitted. There are no retries.
func (f *Factory) CreateRuntime(ctx context.Context, conn types.Connection, status types.StatusFunc) (types.Runtime, error) {
	start := time.Now()
	a := &attempt{ctx: ctx, conn: conn, status: status, logger: f.logger.With(map[string]any{"conn": conn.String()})}

	mode, err := f.classifier.Classify(ctx, conn)
	if err == nil {
		err = types.CheckCancelled(ctx)
	}
	var rt types.Runtime
	if err == nil {
		a.logger = a.logger.With(map[string]any{"chain": mode.ChainID()})
		rt, err = f.build(a, mode)
	}

	var labels map[string]string
	if mode != nil {
		labels = map[string]string{"chain": strconv.FormatUint(mode.ChainID(), 10)}
	}

	switch {
	case err == nil:
		f.metrics.IncCounter(metrics.RuntimeCreated, labels)
		f.metrics.ObserveLatency(metrics.CreateRuntimeLatency, time.Since(start), labels)
		return rt, nil
	case types.IsCancelled(err) || ctx.Err() != nil:
		f.metrics.IncCounter(metrics.RuntimeCancelled, labels)
		a.logger.Info("runtime creation cancelled", nil)
		if !types.IsCancelled(err) {
			err = types.CheckCancelled(ctx)
		}
		return nil, err
	default:
		f.metrics.IncCounter(metrics.RuntimeFailed, labels)
		a.logger.Error("runtime creation failed", map[string]any{"err": err})
		a.emit(types.StatusError)
		var fe *types.FhevmError
		if !errors.As(err, &fe) {
			err = types.NewError(types.ErrCodeRuntimeCreation, err, "failed to create FHE runtime")
		}
		return nil, err
	}
}

func (f *Factory) build(a *attempt, mode types.ChainMode) (types.Runtime, error) {
	if sim, ok := mode.(types.SimulationMode); ok {
		md, capable := f.probe.Probe(a.ctx, sim.RPCEndpoint)
		if err := types.CheckCancelled(a.ctx); err != nil {
			return nil, err
		}
		if capable {
			sim.Simulator = md
			return f.buildSimulation(a, sim)
		}
		a.logger.Info("simulation chain has no FHE capability, using relayer", map[string]any{"rpc": sim.RPCEndpoint})
	}
	return f.buildRelayer(a, mode.ChainID())
}

func (f *Factory) buildSimulation(a *attempt, mode types.SimulationMode) (types.Runtime, error) {
	a.emit(types.StatusCreating)

	cfg := simulation.Config{
		ChainID:                   mode.ID,
		GatewayChainID:            types.GatewayChainID,
		Metadata:                  *mode.Simulator,
		DecryptionVerifier:        types.SimulationDecryptionVerifier,
		InputVerificationVerifier: types.SimulationInputVerificationVerifier,
		Store:                     f.store,
		Namespace:                 f.namespace,
		Logger:                    f.logger,
		Now:                       f.now,
	}
	if f.checkACL {
		caller, release, err := clients.Caller(a.ctx, types.Connection{URL: mode.RPCEndpoint})
		if err != nil {
			return nil, err
		}
		cfg.Caller, cfg.Release, cfg.CheckACL = caller, release, true
	}

	rt, err := simulation.New(cfg)
	if err != nil {
		if cfg.Release != nil {
			cfg.Release()
		}
		return nil, err
	}
	return f.finish(a, rt)
}

func (f *Factory) buildRelayer(a *attempt, chainID uint64) (types.Runtime, error) {
	stage := func(before, after types.RuntimeStatus, step func(context.Context) error) error {
		if err := types.CheckCancelled(a.ctx); err != nil {
			return err
		}
		a.emit(before)
		if err := step(a.ctx); err != nil {
			return err
		}
		if err := types.CheckCancelled(a.ctx); err != nil {
			return err
		}
		a.emit(after)
		return nil
	}
	if err := stage(types.StatusSDKLoading, types.StatusSDKLoaded, f.loader.Load); err != nil {
		return nil, err
	}
	if err := stage(types.StatusSDKInitializing, types.StatusSDKInitialized, f.loader.Initialize); err != nil {
		return nil, err
	}

	relayerSDK, err := f.loader.SDK()
	if err != nil {
		return nil, err
	}
	network, err := relayerSDK.DefaultConfig(chainID)
	if err != nil {
		return nil, types.NewError(types.ErrCodeRuntimeCreation, err, "no relayer configuration for chain %d", chainID)
	}

	instance := sdk.InstanceConfig{NetworkConfig: network, Network: a.conn}
	acl := network.ACL()
	if f.publicKeys != nil {
		if cached, ok := f.publicKeys.Get(a.ctx, acl); ok {
			instance.PublicKey = &cached.PublicKey
			instance.PublicParams = &cached.PublicParams
		}
	}
	if err := types.CheckCancelled(a.ctx); err != nil {
		return nil, err
	}

	a.emit(types.StatusCreating)
	rt, err := relayerSDK.CreateInstance(a.ctx, instance)
	if err != nil {
		return nil, types.NewError(types.ErrCodeRuntimeCreation, err, "relayer instance creation failed")
	}

	if f.publicKeys != nil {
		pk, params := rt.PublicKey(), rt.PublicParams(types.DefaultPublicParamsBits)
		if !pk.IsEmpty() && !params.IsEmpty() {
			if err := f.publicKeys.Put(a.ctx, acl, pk, params); err != nil {
				a.logger.Warn("failed to refresh public key cache", map[string]any{"err": err})
			}
		}
	}
	return f.finish(a, rt)
}

// finish discards rt if the attempt was cancelled during construction,
// otherwise reports ready.
func (f *Factory) finish(a *attempt, rt types.Runtime) (types.Runtime, error) {
	if err := types.CheckCancelled(a.ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	a.emit(types.StatusReady)
	a.logger.Info("runtime ready", nil)
	return rt, nil
}
