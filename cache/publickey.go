package cache

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
)

// PublicKeyCache keeps the relayer public key and parameters per ACL
// contract so runtime construction can skip the key download.
type PublicKeyCache struct {
	store  storage.Store
	prefix string
	opts   options
}

func NewPublicKeyCache(store storage.Store, namespace string, opts ...Option) *PublicKeyCache {
	return &PublicKeyCache{
		store:  store,
		prefix: namespace + ".fhevm.publicKey.",
		opts:   buildOptions(opts),
	}
}

func (c *PublicKeyCache) key(acl common.Address) string {
	return c.prefix + acl.Hex()
}

// Get returns the entry for acl when it is younger than the TTL. Absent,
// stale and unreadable entries are misses.
func (c *PublicKeyCache) Get(ctx context.Context, acl common.Address) (*types.CachedPublicKey, bool) {
	key := c.key(acl)

	entry, ok := load[types.CachedPublicKey](ctx, c.store, key, c.opts.logger)
	if ok && !entry.IsFresh(c.opts.now(), c.opts.ttl) {
		c.opts.logger.Debug("public key cache entry is stale", map[string]any{"acl": acl.Hex(), "fetched_at": entry.FetchedAt})
		evict(ctx, c.store, key, c.opts.logger)
		ok = false
	}
	if ok && (entry.PublicKey.IsEmpty() || entry.PublicParams.IsEmpty()) {
		evict(ctx, c.store, key, c.opts.logger)
		ok = false
	}
	if !ok {
		c.opts.metrics.IncCounter(metrics.PubKeyCacheMiss, nil)
		return nil, false
	}

	c.opts.metrics.IncCounter(metrics.PubKeyCacheHit, nil)
	return &entry, true
}

// Put overwrites the entry for acl, stamped with the current time.
func (c *PublicKeyCache) Put(ctx context.Context, acl common.Address, publicKey, publicParams types.KeyMaterial) error {
	raw, err := encode(types.CachedPublicKey{
		PublicKey:    publicKey,
		PublicParams: publicParams,
		FetchedAt:    c.opts.now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.key(acl), raw)
}

// Clear removes every cached public key.
func (c *PublicKeyCache) Clear(ctx context.Context) (int, error) {
	return c.store.DeletePrefix(ctx, c.prefix)
}
