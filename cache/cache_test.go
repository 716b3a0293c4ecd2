package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenchain/fhevm/signer"
	"github.com/zenchain/fhevm/simulation"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
	"github.com/zenchain/fhevm/utils/eip712"
)

var (
	contractX = common.HexToAddress("0x000000000000000000000000000000000000000a")
	contractY = common.HexToAddress("0x000000000000000000000000000000000000000b")
	contractZ = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

// countingSigner signs with a local key and can refuse chosen type names.
type countingSigner struct {
	inner  *signer.KeySigner
	reject map[string]error

	mu    sync.Mutex
	calls []string
}

func newCountingSigner(t *testing.T) *countingSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &countingSigner{inner: signer.NewKeySigner(key), reject: map[string]error{}}
}

func (s *countingSigner) Address() common.Address { return s.inner.Address() }

func (s *countingSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, td.PrimaryType)
	s.mu.Unlock()
	if err, ok := s.reject[td.PrimaryType]; ok {
		return nil, err
	}
	return s.inner.SignTypedData(ctx, td)
}

func (s *countingSigner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newRuntime(t *testing.T) types.Runtime {
	t.Helper()
	rt, err := simulation.New(simulation.Config{
		ChainID: types.HardhatChainID,
		Metadata: types.SimulatorMetadata{
			ACLAddress:           "0x50157CFfD6bBFA2DECe204a89ec419c23ef5755D",
			InputVerifierAddress: "0x901F8942346f7AB3a01F6D7613119Bca447Bb030",
			KMSVerifierAddress:   "0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC",
		},
	})
	require.NoError(t, err)
	return rt
}

func newAuthCache(store storage.Store, clk *clock) *AuthorizationCache {
	return NewAuthorizationCache(store, "test", WithClock(clk.Now))
}

func TestLoadOrCreateReusesCoveringGrant(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	s := newCountingSigner(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newAuthCache(storage.NewMemoryStore(), clk)

	first, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX, contractY}, s, types.HardhatChainID)
	require.NoError(t, err)
	require.Equal(t, 1, s.count())
	require.Equal(t, []common.Address{contractX, contractY}, first.ContractAddresses)
	require.Equal(t, int64(7), first.DurationDays)
	require.Equal(t, clk.now.Unix(), first.StartTimestamp)

	again, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, s, types.HardhatChainID)
	require.NoError(t, err)
	require.Equal(t, 1, s.count(), "no signing expected for a covered request")
	require.Equal(t, first, again)
}

func TestLoadOrCreateWidensUncoveredGrant(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	s := newCountingSigner(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newAuthCache(storage.NewMemoryStore(), clk)

	_, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX, contractY}, s, types.HardhatChainID)
	require.NoError(t, err)

	wider, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX, contractZ}, s, types.HardhatChainID)
	require.NoError(t, err)
	require.Equal(t, 2, s.count())
	require.Equal(t, []common.Address{contractX, contractZ, contractY}, wider.ContractAddresses)

	stored, ok := c.Lookup(ctx, types.HardhatChainID, s.Address(), contractX)
	require.True(t, ok)
	require.Equal(t, wider, stored)
}

func TestLoadOrCreateExpiredGrant(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	s := newCountingSigner(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := storage.NewMemoryStore()
	c := newAuthCache(store, clk)

	first, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, s, types.HardhatChainID)
	require.NoError(t, err)

	clk.now = first.ExpiresAt()
	_, ok := c.Lookup(ctx, types.HardhatChainID, s.Address(), contractX)
	require.False(t, ok)
	require.Empty(t, store.Keys(), "expired grant is evicted on lookup")

	second, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, s, types.HardhatChainID)
	require.NoError(t, err)
	require.Equal(t, 2, s.count())
	require.NotEqual(t, first.PublicKey, second.PublicKey)
	require.True(t, second.IsValidAt(clk.now))
}

func TestLoadOrCreateSlotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	alice := newCountingSigner(t)
	bob := newCountingSigner(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := storage.NewMemoryStore()
	c := newAuthCache(store, clk)

	_, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, alice, 1)
	require.NoError(t, err)
	_, err = c.LoadOrCreate(ctx, rt, []common.Address{contractX}, alice, 2)
	require.NoError(t, err)
	_, err = c.LoadOrCreate(ctx, rt, []common.Address{contractX}, bob, 1)
	require.NoError(t, err)
	require.Equal(t, 2, alice.count())
	require.Equal(t, 1, bob.count())
	require.Len(t, store.Keys(), 3)
	require.Contains(t, store.Keys(), c.Key(1, alice.Address(), contractX))
	require.Equal(t, "test.decryption.signature.1."+types.Lower(alice.Address())+"."+types.Lower(contractX), c.Key(1, alice.Address(), contractX))

	// A grant planted in another user's slot is never handed out.
	raw, err := store.Get(ctx, c.Key(1, alice.Address(), contractX))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, c.Key(1, bob.Address(), contractY), raw))
	_, ok := c.Lookup(ctx, 1, bob.Address(), contractY)
	require.False(t, ok)
}

func TestLoadOrCreateSignsReencryptFirst(t *testing.T) {
	rt := newRuntime(t)
	s := newCountingSigner(t)
	c := newAuthCache(storage.NewMemoryStore(), &clock{now: time.Unix(1_700_000_000, 0)})

	_, err := c.LoadOrCreate(context.Background(), rt, []common.Address{contractX}, s, types.HardhatChainID)
	require.NoError(t, err)
	require.Equal(t, []string{eip712.ReencryptType}, s.calls)
}

func TestLoadOrCreateFallsBackToUserDecryptType(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	s := newCountingSigner(t)
	s.reject[eip712.ReencryptType] = errors.New("unknown type Reencrypt")
	c := newAuthCache(storage.NewMemoryStore(), &clock{now: time.Unix(1_700_000_000, 0)})

	grant, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, s, types.HardhatChainID)
	require.NoError(t, err)
	require.Equal(t, []string{eip712.ReencryptType, eip712.UserDecryptType}, s.calls)

	sr := rt.CreateSigningRequest(grant.PublicKey, grant.ContractAddresses, grant.StartTimestamp, grant.DurationDays)
	require.True(t, eip712.VerifyRequest(sr, grant.Signature, s.Address()))
}

func TestLoadOrCreateRejected(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	s := newCountingSigner(t)
	s.reject[eip712.ReencryptType] = errors.New("User denied message signature")
	s.reject[eip712.UserDecryptType] = errors.New("wallet locked")
	store := storage.NewMemoryStore()
	c := newAuthCache(store, &clock{now: time.Unix(1_700_000_000, 0)})

	_, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, s, types.HardhatChainID)
	require.ErrorIs(t, err, types.ErrSignatureRejected)
	require.ErrorContains(t, err, "User denied message signature")
	require.ErrorContains(t, err, "wallet locked")
	require.Empty(t, store.Keys())
}

func TestLoadOrCreateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newCountingSigner(t)
	c := newAuthCache(storage.NewMemoryStore(), &clock{now: time.Unix(1_700_000_000, 0)})

	_, err := c.LoadOrCreate(ctx, newRuntime(t), []common.Address{contractX}, s, 1)
	require.True(t, types.IsCancelled(err))
	require.Zero(t, s.count())
}

func TestLoadOrCreateInvalidArguments(t *testing.T) {
	c := newAuthCache(storage.NewMemoryStore(), &clock{now: time.Now()})
	_, err := c.LoadOrCreate(context.Background(), newRuntime(t), nil, newCountingSigner(t), 1)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
	_, err = c.LoadOrCreate(context.Background(), nil, []common.Address{contractX}, newCountingSigner(t), 1)
	require.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestLoadOrCreateConcurrentCallersShareCeremony(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	s := newCountingSigner(t)
	c := newAuthCache(storage.NewMemoryStore(), &clock{now: time.Unix(1_700_000_000, 0)})

	var wg sync.WaitGroup
	grants := make([]*types.AuthorizationGrant, 8)
	for i := range grants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, s, 1)
			assert.NoError(t, err)
			grants[i] = g
		}(i)
	}
	wg.Wait()

	// Late arrivals reuse the persisted grant, so every caller sees one key.
	for _, g := range grants[1:] {
		require.Equal(t, grants[0].PublicKey, g.PublicKey)
	}
	require.Equal(t, 1, s.count())
}

func TestCorruptEntriesAreEvicted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := newAuthCache(store, clk)
	user := newCountingSigner(t).Address()
	key := c.Key(1, user, contractX)

	for _, raw := range []string{`not json`, `{"version":2,"entry":{}}`, `{"version":1,"entry":{"chainId":1}}`} {
		require.NoError(t, store.Set(ctx, key, []byte(raw)))
		_, ok := c.Lookup(ctx, 1, user, contractX)
		require.False(t, ok, raw)
		_, err := store.Get(ctx, key)
		require.ErrorIs(t, err, storage.ErrNotFound, raw)
	}
}

func TestClearGrants(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	alice := newCountingSigner(t)
	bob := newCountingSigner(t)
	store := storage.NewMemoryStore()
	c := newAuthCache(store, &clock{now: time.Unix(1_700_000_000, 0)})

	for _, contract := range []common.Address{contractX, contractY} {
		_, err := c.LoadOrCreate(ctx, rt, []common.Address{contract}, alice, 1)
		require.NoError(t, err)
	}
	_, err := c.LoadOrCreate(ctx, rt, []common.Address{contractX}, bob, 1)
	require.NoError(t, err)

	require.NoError(t, c.Clear(ctx, 1, alice.Address(), contractY))
	n, err := c.ClearUser(ctx, 1, alice.Address())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := c.Lookup(ctx, 1, bob.Address(), contractX)
	require.True(t, ok)

	n, err = c.ClearAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, store.Keys())
}

func TestPublicKeyCache(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := NewPublicKeyCache(store, "test", WithClock(clk.Now), WithTTL(7*24*time.Hour))
	acl := types.SepoliaNetwork.ACL()

	_, ok := c.Get(ctx, acl)
	require.False(t, ok)

	pk := types.KeyMaterial{ID: "pk-1", Data: []byte{1, 2, 3}}
	params := types.KeyMaterial{ID: "crs-1", Data: []byte{4, 5}}
	require.NoError(t, c.Put(ctx, acl, pk, params))
	require.Equal(t, []string{"test.fhevm.publicKey." + acl.Hex()}, store.Keys())

	got, ok := c.Get(ctx, acl)
	require.True(t, ok)
	require.Equal(t, pk, got.PublicKey)
	require.Equal(t, params, got.PublicParams)

	clk.now = clk.now.Add(7*24*time.Hour - time.Second)
	_, ok = c.Get(ctx, acl)
	require.True(t, ok)

	clk.now = clk.now.Add(time.Second)
	_, ok = c.Get(ctx, acl)
	require.False(t, ok)
	require.Empty(t, store.Keys(), "stale entry is evicted")

	require.NoError(t, store.Set(ctx, "test.fhevm.publicKey."+acl.Hex(), []byte(`{"version":1,"entry":{"publicKey":{"data":"0x"}}}`)))
	_, ok = c.Get(ctx, acl)
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, acl, pk, params))
	n, err := c.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
