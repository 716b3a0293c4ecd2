package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/zenchain/fhevm/cache"
	"github.com/zenchain/fhevm/clients"
	"github.com/zenchain/fhevm/sdk"
	"github.com/zenchain/fhevm/simulation"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
)

var simMetadata = &types.SimulatorMetadata{
	ACLAddress:           "0x50157CFfD6bBFA2DECe204a89ec419c23ef5755D",
	InputVerifierAddress: "0x901F8942346f7AB3a01F6D7613119Bca447Bb030",
	KMSVerifierAddress:   "0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC",
}

// chainProvider is an injected provider reporting a fixed chain id.
type chainProvider struct {
	chainID uint64
	err     error
}

func (p *chainProvider) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	if p.err != nil {
		return p.err
	}
	if method != "eth_chainId" {
		return errors.New("unexpected method " + method)
	}
	raw, _ := json.Marshal(hexutil.Uint64(p.chainID))
	return json.Unmarshal(raw, result)
}

type fakeProbe struct {
	md    *types.SimulatorMetadata
	calls atomic.Int32
}

func (p *fakeProbe) Probe(context.Context, string) (*types.SimulatorMetadata, bool) {
	p.calls.Add(1)
	return p.md, p.md != nil
}

// stubRuntime is the instance returned by fakeSDK.
type stubRuntime struct {
	types.Runtime
	cfg    sdk.InstanceConfig
	closed atomic.Bool
}

func (r *stubRuntime) ChainID() uint64 { return r.cfg.ChainID }

func (r *stubRuntime) PublicKey() types.KeyMaterial {
	if r.cfg.PublicKey != nil {
		return *r.cfg.PublicKey
	}
	return types.KeyMaterial{ID: "fresh-pk", Data: []byte{0xaa}}
}

func (r *stubRuntime) PublicParams(int) types.KeyMaterial {
	if r.cfg.PublicParams != nil {
		return *r.cfg.PublicParams
	}
	return types.KeyMaterial{ID: "fresh-crs", Data: []byte{0xbb}}
}

func (r *stubRuntime) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeSDK struct {
	mu        sync.Mutex
	instances []*stubRuntime
	createErr error
}

func (s *fakeSDK) InitSDK(context.Context) (bool, error) { return true, nil }

func (s *fakeSDK) DefaultConfig(chainID uint64) (types.NetworkConfig, error) {
	if chainID != types.SepoliaChainID {
		return types.NetworkConfig{}, errors.New("unsupported chain")
	}
	return types.SepoliaNetwork, nil
}

func (s *fakeSDK) CreateInstance(_ context.Context, cfg sdk.InstanceConfig) (types.Runtime, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	rt := &stubRuntime{cfg: cfg}
	s.mu.Lock()
	s.instances = append(s.instances, rt)
	s.mu.Unlock()
	return rt, nil
}

type harness struct {
	factory *Factory
	probe   *fakeProbe
	sdk     *fakeSDK
	fetches *atomic.Int32
	keys    *cache.PublicKeyCache
	store   *storage.MemoryStore
}

func newHarness(t *testing.T, md *types.SimulatorMetadata) *harness {
	t.Helper()
	h := &harness{
		probe:   &fakeProbe{md: md},
		sdk:     &fakeSDK{},
		fetches: new(atomic.Int32),
		store:   storage.NewMemoryStore(),
	}
	h.keys = cache.NewPublicKeyCache(h.store, "test")

	loader := sdk.NewLoader("https://cdn.example/sdk.wasm",
		sdk.WithEnvironment(sdk.NewEnvironment()),
		sdk.WithFetcher(sdk.FetcherFunc(func(context.Context, string) ([]byte, error) {
			h.fetches.Add(1)
			return []byte("dist"), nil
		})),
		sdk.WithDecoder(sdk.DecoderFunc(func(context.Context, []byte) (sdk.RelayerSDK, error) {
			return h.sdk, nil
		})),
		sdk.WithPolling(5*time.Millisecond, time.Second),
	)

	cfg := types.DefaultConfig()
	cfg.Namespace = "test"
	h.factory = NewFactory(cfg,
		WithProbe(h.probe),
		WithLoader(loader),
		WithPublicKeyCache(h.keys),
		WithStore(h.store),
	)
	return h
}

type recorder struct {
	mu       sync.Mutex
	statuses []types.RuntimeStatus
	onStatus func(types.RuntimeStatus)
}

func (r *recorder) record(s types.RuntimeStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, s)
	r.mu.Unlock()
	if r.onStatus != nil {
		r.onStatus(s)
	}
}

func (r *recorder) all() []types.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.RuntimeStatus(nil), r.statuses...)
}

func TestCreateRuntimeSimulation(t *testing.T) {
	h := newHarness(t, simMetadata)
	rec := &recorder{}

	rt, err := h.factory.CreateRuntime(context.Background(), types.Connection{Provider: &chainProvider{chainID: types.HardhatChainID}}, rec.record)
	require.NoError(t, err)
	require.IsType(t, &simulation.Runtime{}, rt)
	require.Equal(t, types.HardhatChainID, rt.ChainID())
	require.Equal(t, []types.RuntimeStatus{types.StatusCreating, types.StatusReady}, rec.all())
	require.Equal(t, int32(1), h.probe.calls.Load())
	require.Zero(t, h.fetches.Load(), "the loader must not run for a simulator")

	sr := rt.CreateSigningRequest([]byte{1}, nil, 1, 1)
	require.Equal(t, types.SimulationDecryptionVerifier, sr.Domain.VerifyingContract)
	require.Equal(t, types.GatewayChainID, sr.Domain.ChainID)
}

func TestCreateRuntimeRelayerStatusOrder(t *testing.T) {
	h := newHarness(t, simMetadata)
	rec := &recorder{}

	rt, err := h.factory.CreateRuntime(context.Background(), types.Connection{Provider: &chainProvider{chainID: types.SepoliaChainID}}, rec.record)
	require.NoError(t, err)
	require.Equal(t, []types.RuntimeStatus{
		types.StatusSDKLoading,
		types.StatusSDKLoaded,
		types.StatusSDKInitializing,
		types.StatusSDKInitialized,
		types.StatusCreating,
		types.StatusReady,
	}, rec.all())
	require.Zero(t, h.probe.calls.Load())
	require.Equal(t, int32(1), h.fetches.Load())
	require.Equal(t, types.SepoliaChainID, rt.ChainID())

	cached, ok := h.keys.Get(context.Background(), types.SepoliaNetwork.ACL())
	require.True(t, ok)
	require.Equal(t, "fresh-pk", cached.PublicKey.ID)
}

func TestCreateRuntimeUsesAndRefreshesKeyHints(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	acl := types.SepoliaNetwork.ACL()
	hint := types.KeyMaterial{ID: "cached-pk", Data: []byte{1}}
	params := types.KeyMaterial{ID: "cached-crs", Data: []byte{2}}
	require.NoError(t, h.keys.Put(ctx, acl, hint, params))

	_, err := h.factory.CreateRuntime(ctx, types.Connection{Provider: &chainProvider{chainID: types.SepoliaChainID}}, nil)
	require.NoError(t, err)
	require.Len(t, h.sdk.instances, 1)
	require.Equal(t, &hint, h.sdk.instances[0].cfg.PublicKey)
	require.Equal(t, &params, h.sdk.instances[0].cfg.PublicParams)
	require.Equal(t, types.SepoliaNetwork, h.sdk.instances[0].cfg.NetworkConfig)

	cached, ok := h.keys.Get(ctx, acl)
	require.True(t, ok)
	require.Equal(t, hint, cached.PublicKey)
}

func TestCreateRuntimeSimulationWithoutCapabilityFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	rec := &recorder{}

	// 31337 is a simulation chain but the probe finds no FHE support, and
	// the relayer SDK has no configuration for it.
	_, err := h.factory.CreateRuntime(context.Background(), types.Connection{Provider: &chainProvider{chainID: types.HardhatChainID}}, rec.record)
	require.ErrorIs(t, err, types.ErrRuntimeCreation)
	require.Equal(t, int32(1), h.probe.calls.Load())
	require.Equal(t, []types.RuntimeStatus{
		types.StatusSDKLoading,
		types.StatusSDKLoaded,
		types.StatusSDKInitializing,
		types.StatusSDKInitialized,
		types.StatusError,
	}, rec.all())
}

func TestCreateRuntimeCancelledBetweenLoadAndInit(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	rec.onStatus = func(s types.RuntimeStatus) {
		if s == types.StatusSDKLoaded {
			cancel()
		}
	}

	rt, err := h.factory.CreateRuntime(ctx, types.Connection{Provider: &chainProvider{chainID: types.SepoliaChainID}}, rec.record)
	require.Nil(t, rt)
	require.True(t, types.IsCancelled(err))
	require.Equal(t, []types.RuntimeStatus{types.StatusSDKLoading, types.StatusSDKLoaded}, rec.all())
	require.NotContains(t, rec.all(), types.StatusError)
	require.NotContains(t, rec.all(), types.StatusReady)
}

func TestCreateRuntimeCancelledDuringConstruction(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	rec.onStatus = func(s types.RuntimeStatus) {
		if s == types.StatusCreating {
			cancel()
		}
	}

	_, err := h.factory.CreateRuntime(ctx, types.Connection{Provider: &chainProvider{chainID: types.SepoliaChainID}}, rec.record)
	require.True(t, types.IsCancelled(err))
	require.NotContains(t, rec.all(), types.StatusReady)
	require.Len(t, h.sdk.instances, 1)
	require.True(t, h.sdk.instances[0].closed.Load(), "a runtime built for a cancelled attempt is closed")
}

func TestCreateRuntimeClassificationFailure(t *testing.T) {
	h := newHarness(t, simMetadata)
	rec := &recorder{}

	_, err := h.factory.CreateRuntime(context.Background(), types.Connection{Provider: &chainProvider{err: errors.New("connection refused")}}, rec.record)
	require.ErrorIs(t, err, types.ErrClassificationFailed)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, []types.RuntimeStatus{types.StatusError}, rec.all())
	require.Zero(t, h.probe.calls.Load())
	require.Zero(t, h.fetches.Load())
}

func TestCreateRuntimeInstanceFailureKeepsCause(t *testing.T) {
	h := newHarness(t, nil)
	h.sdk.createErr = errors.New("relayer unavailable")
	rec := &recorder{}

	_, err := h.factory.CreateRuntime(context.Background(), types.Connection{Provider: &chainProvider{chainID: types.SepoliaChainID}}, rec.record)
	require.ErrorIs(t, err, types.ErrRuntimeCreation)
	require.ErrorContains(t, err, "relayer unavailable")
	statuses := rec.all()
	require.Equal(t, types.StatusError, statuses[len(statuses)-1])
}

func TestNewFactoryDefaults(t *testing.T) {
	f := NewFactory(types.DefaultConfig())
	require.IsType(t, &clients.Classifier{}, f.classifier)
	require.IsType(t, &clients.Probe{}, f.probe)
	require.IsType(t, &sdk.Loader{}, f.loader)
	require.NotNil(t, f.store)
}
