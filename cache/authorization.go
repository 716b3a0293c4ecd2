package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/signer"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
	"github.com/zenchain/fhevm/utils/eip712"
)

// AuthorizationCache stores one decryption grant per (chain, user, primary
// contract) and runs the signing ceremony when no stored grant fits.
type AuthorizationCache struct {
	store  storage.Store
	prefix string
	opts   options
	group  singleflight.Group
}

func NewAuthorizationCache(store storage.Store, namespace string, opts ...Option) *AuthorizationCache {
	return &AuthorizationCache{
		store:  store,
		prefix: namespace + ".decryption.signature.",
		opts:   buildOptions(opts),
	}
}

// Key is <namespace>.decryption.signature.<chainId>.<user>.<contract> with
// lowercase addresses.
func (c *AuthorizationCache) Key(chainID uint64, user, contract common.Address) string {
	return c.prefix + strconv.FormatUint(chainID, 10) + "." + types.Lower(user) + "." + types.Lower(contract)
}

// LoadOrCreate returns a grant covering contracts for the signer's account.
// contracts[0] selects the storage slot, so callers must keep a stable order.
// A stored grant is reused only when it belongs to the same chain and user,
// is complete, unexpired and covers every requested contract.
func (c *AuthorizationCache) LoadOrCreate(ctx context.Context, rt types.Runtime, contracts []common.Address, s signer.Signer, chainID uint64) (*types.AuthorizationGrant, error) {
	if len(contracts) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, nil, "at least one contract address is required")
	}
	if rt == nil || s == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, nil, "a runtime and a signer are required")
	}

	user := s.Address()
	key := c.Key(chainID, user, contracts[0])
	flight := key + "|" + joinAddresses(contracts)

	v, err, _ := c.group.Do(flight, func() (any, error) {
		stored, ok := c.lookup(ctx, key, chainID, user)
		if ok && stored.Covers(contracts) {
			c.opts.metrics.IncCounter(metrics.GrantReused, chainLabel(chainID))
			c.opts.logger.Debug("reusing decryption grant", map[string]any{"key": key})
			return stored, nil
		}

		request := contracts
		if ok {
			request = union(contracts, stored.ContractAddresses)
			c.opts.logger.Info("stored grant does not cover request, signing a wider one", map[string]any{
				"key":     key,
				"missing": len(stored.Missing(contracts)),
			})
		}

		grant, err := c.sign(ctx, rt, request, s, chainID)
		if err != nil {
			return nil, err
		}
		if err := c.put(ctx, key, grant); err != nil {
			c.opts.logger.Warn("failed to persist decryption grant", map[string]any{"key": key, "err": err})
		}
		return grant, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.AuthorizationGrant), nil
}

// Lookup returns the stored grant for the slot if it is still usable.
func (c *AuthorizationCache) Lookup(ctx context.Context, chainID uint64, user, contract common.Address) (*types.AuthorizationGrant, bool) {
	return c.lookup(ctx, c.Key(chainID, user, contract), chainID, user)
}

func (c *AuthorizationCache) lookup(ctx context.Context, key string, chainID uint64, user common.Address) (*types.AuthorizationGrant, bool) {
	grant, ok := load[types.AuthorizationGrant](ctx, c.store, key, c.opts.logger)
	if !ok {
		return nil, false
	}

	var reason string
	switch {
	case grant.ChainID != chainID || grant.UserAddress != user:
		reason = "identity mismatch"
	case !grant.IsComplete():
		reason = "incomplete"
	case !grant.IsValidAt(c.opts.now()):
		reason = "expired"
	}
	if reason != "" {
		c.opts.metrics.IncCounter(metrics.GrantEvicted, chainLabel(chainID))
		c.opts.logger.Info("evicting decryption grant", map[string]any{"key": key, "reason": reason})
		evict(ctx, c.store, key, c.opts.logger)
		return nil, false
	}
	return &grant, true
}

func (c *AuthorizationCache) put(ctx context.Context, key string, grant *types.AuthorizationGrant) error {
	raw, err := encode(*grant)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, raw)
}

// sign runs the ceremony: fresh keypair, structured request under the
// primary type, then one retry under the legacy type.
func (c *AuthorizationCache) sign(ctx context.Context, rt types.Runtime, contracts []common.Address, s signer.Signer, chainID uint64) (*types.AuthorizationGrant, error) {
	start := time.Now()
	defer func() {
		c.opts.metrics.ObserveLatency(metrics.SigningCeremonyLatency, time.Since(start), chainLabel(chainID))
	}()

	kp, err := rt.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate decryption keypair: %w", err)
	}

	startTimestamp := c.opts.now().Unix()
	req := rt.CreateSigningRequest(kp.PublicKey, contracts, startTimestamp, c.opts.durationDays)

	var failures []error
	var sig []byte
	for _, primaryType := range eip712.SigningOrder {
		if err := types.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		td, err := req.TypedData(primaryType)
		if err != nil {
			return nil, err
		}
		sig, err = s.SignTypedData(ctx, td)
		if err == nil {
			break
		}
		failures = append(failures, fmt.Errorf("%s: %w", primaryType, err))
		c.opts.logger.Warn("signer rejected decryption request", map[string]any{"type": primaryType, "err": err})
	}
	if len(failures) == 2 {
		if err := types.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		msgs := make([]string, len(failures))
		for i, f := range failures {
			msgs[i] = f.Error()
		}
		return nil, types.NewError(types.ErrCodeSignatureRejected, errors.Join(failures...),
			"signer rejected the decryption request (%s)", strings.Join(msgs, "; "))
	}

	c.opts.metrics.IncCounter(metrics.GrantSigned, chainLabel(chainID))
	c.opts.logger.Info("signed decryption grant", map[string]any{
		"chain":     chainID,
		"user":      s.Address().Hex(),
		"contracts": len(contracts),
	})
	return &types.AuthorizationGrant{
		PrivateKey:        kp.PrivateKey,
		PublicKey:         kp.PublicKey,
		Signature:         sig,
		ContractAddresses: contracts,
		UserAddress:       s.Address(),
		StartTimestamp:    startTimestamp,
		DurationDays:      c.opts.durationDays,
		ChainID:           chainID,
	}, nil
}

// Clear removes the grant stored for one slot.
func (c *AuthorizationCache) Clear(ctx context.Context, chainID uint64, user, contract common.Address) error {
	return c.store.Delete(ctx, c.Key(chainID, user, contract))
}

// ClearUser removes every grant of user on chainID, as on wallet disconnect.
func (c *AuthorizationCache) ClearUser(ctx context.Context, chainID uint64, user common.Address) (int, error) {
	return c.store.DeletePrefix(ctx, c.prefix+strconv.FormatUint(chainID, 10)+"."+types.Lower(user)+".")
}

// ClearAll removes every stored grant in the namespace.
func (c *AuthorizationCache) ClearAll(ctx context.Context) (int, error) {
	return c.store.DeletePrefix(ctx, c.prefix)
}

// union returns first followed by the members of second it lacks.
func union(first, second []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(first)+len(second))
	out := make([]common.Address, 0, len(first)+len(second))
	for _, list := range [][]common.Address{first, second} {
		for _, a := range list {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

func joinAddresses(addrs []common.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = types.Lower(a)
	}
	return strings.Join(parts, ",")
}

func chainLabel(chainID uint64) map[string]string {
	return map[string]string{"chain": strconv.FormatUint(chainID, 10)}
}
