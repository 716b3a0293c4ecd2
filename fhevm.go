// Package fhevm bootstraps FHE runtimes for EVM chains, caches the user's
// decryption authorizations and decrypts batches of ciphertext handles.
package fhevm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zenchain/fhevm/cache"
	"github.com/zenchain/fhevm/decryption"
	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/runtime"
	"github.com/zenchain/fhevm/signer"
	"github.com/zenchain/fhevm/simulation"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
	"github.com/zenchain/fhevm/utils/eip712"
)

// Client wires configuration, storage, caches, the runtime factory and the
// decryptor together.
type Client struct {
	config     *types.Config
	store      storage.Store
	ownsStore  bool
	logger     logger.Logger
	metrics    metrics.Recorder
	now        func() time.Time
	factory    *runtime.Factory
	factoryOps []runtime.Option
	publicKeys *cache.PublicKeyCache
	grants     *cache.AuthorizationCache
	ledger     *simulation.Ledger
	decryptor  *decryption.Decryptor
}

// New creates a Client. A nil config uses types.DefaultConfig. When no store
// is supplied the backend named in the config is opened and closed by Close.
func New(config *types.Config, opts ...Option) (*Client, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:  config,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == (metrics.NoopRecorder{}) && config.EnableMetrics {
		c.metrics = metrics.NewPrometheusRecorder()
	}
	if c.store == nil {
		store, err := storage.Open(config.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", config.Storage.Backend, err)
		}
		c.store, c.ownsStore = store, true
	}

	cacheOpts := []cache.Option{
		cache.WithClock(c.now),
		cache.WithTTL(config.PublicKeyTTL),
		cache.WithGrantDuration(config.GrantDurationDays),
		cache.WithLogger(c.logger),
		cache.WithMetrics(c.metrics),
	}
	c.publicKeys = cache.NewPublicKeyCache(c.store, config.Namespace, cacheOpts...)
	c.grants = cache.NewAuthorizationCache(c.store, config.Namespace, cacheOpts...)
	c.ledger = simulation.NewLedger(c.store, config.Namespace)
	c.decryptor = decryption.New(
		decryption.WithClock(c.now),
		decryption.WithLogger(c.logger),
		decryption.WithMetrics(c.metrics),
	)

	factoryOpts := append([]runtime.Option{
		runtime.WithPublicKeyCache(c.publicKeys),
		runtime.WithStore(c.store),
		runtime.WithClock(c.now),
		runtime.WithLogger(c.logger),
		runtime.WithMetrics(c.metrics),
	}, c.factoryOps...)
	c.factory = runtime.NewFactory(config, factoryOpts...)

	c.logger.Info("fhevm client ready", map[string]any{
		"namespace": config.Namespace,
		"storage":   config.Storage.Backend,
	})
	return c, nil
}

func (c *Client) Config() *types.Config { return c.config }

// CreateRuntime runs one creation attempt. status receives every transition.
func (c *Client) CreateRuntime(ctx context.Context, conn types.Connection, status types.StatusFunc) (types.Runtime, error) {
	return c.factory.CreateRuntime(ctx, conn, status)
}

// NewSession returns a session that memoizes one runtime per chain identity.
func (c *Client) NewSession() *Session {
	return NewSession(c.factory, c.logger)
}

// Authorize returns a valid grant for s covering contracts on rt's chain,
// signing a new one only when no stored grant covers them.
func (c *Client) Authorize(ctx context.Context, rt types.Runtime, contracts []common.Address, s signer.Signer) (*types.AuthorizationGrant, error) {
	if rt == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, nil, "runtime is required")
	}
	return c.grants.LoadOrCreate(ctx, rt, contracts, s, rt.ChainID())
}

// Decrypt authorizes s for every contract in pairs and decrypts them in one
// batch.
func (c *Client) Decrypt(ctx context.Context, rt types.Runtime, s signer.Signer, pairs []types.HandleContractPair) (map[string]types.ClearValue, error) {
	grant, err := c.Authorize(ctx, rt, decryption.Contracts(pairs), s)
	if err != nil {
		return nil, err
	}
	return c.decryptor.Decrypt(ctx, rt, grant, pairs)
}

// DecryptGroups authorizes once for all groups and decrypts each separately.
func (c *Client) DecryptGroups(ctx context.Context, rt types.Runtime, s signer.Signer, groups []decryption.Group) ([]decryption.GroupResult, error) {
	var all []types.HandleContractPair
	for _, g := range groups {
		all = append(all, g.Pairs...)
	}
	grant, err := c.Authorize(ctx, rt, decryption.Contracts(all), s)
	if err != nil {
		return nil, err
	}
	return c.decryptor.DecryptGroups(ctx, rt, grant, groups)
}

// ClearGrant removes the grant stored for (chainID, user, contract).
func (c *Client) ClearGrant(ctx context.Context, chainID uint64, user, contract common.Address) error {
	return c.grants.Clear(ctx, chainID, user, contract)
}

// Disconnect forgets every grant of user on chainID.
func (c *Client) Disconnect(ctx context.Context, chainID uint64, user common.Address) (int, error) {
	n, err := c.grants.ClearUser(ctx, chainID, user)
	if err != nil {
		return n, err
	}
	c.logger.Info("cleared grants on disconnect", map[string]any{"chain": chainID, "user": user.Hex(), "count": n})
	return n, nil
}

// ClearAll wipes grants, cached public keys and the simulator ledger under
// the configured namespace.
func (c *Client) ClearAll(ctx context.Context) (int, error) {
	var total int
	var errs []error
	for _, fn := range []func(context.Context) (int, error){c.grants.ClearAll, c.publicKeys.Clear, c.ledger.Clear} {
		n, err := fn(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Close releases the store when the client opened it.
func (c *Client) Close() error {
	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}

// Version information
const (
	Version       = "0.1.0"
	SchemaVersion = cache.SchemaVersion
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version": Version,
		"schema_version":  SchemaVersion,
		"statuses": []string{
			types.StatusIdle.String(), types.StatusSDKLoading.String(), types.StatusSDKLoaded.String(),
			types.StatusSDKInitializing.String(), types.StatusSDKInitialized.String(),
			types.StatusCreating.String(), types.StatusReady.String(), types.StatusError.String(),
		},
		"signing_types": eip712.SigningOrder,
		"storage":       []string{"memory", "file", "sqlite", "redis"},
	}
}
