// Package decryption runs batched user decryption against a runtime with a
// previously obtained authorization grant.
package decryption

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/metrics"
	"github.com/zenchain/fhevm/types"
)

// Decryptor decrypts batches of handles. A batch either yields a value for
// every handle or fails as a whole.
type Decryptor struct {
	now     func() time.Time
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Decryptor)

func WithClock(now func() time.Time) Option {
	return func(d *Decryptor) { d.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Decryptor) { d.logger = logger.OrNoop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(d *Decryptor) { d.metrics = metrics.OrNoop(r) }
}

func New(opts ...Option) *Decryptor {
	d := &Decryptor{
		now:     time.Now,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decrypt issues one UserDecrypt for pairs and returns cleartexts keyed by
// the handle's canonical string. The grant must be valid and cover every
// contract in pairs.
func (d *Decryptor) Decrypt(ctx context.Context, rt types.Runtime, grant *types.AuthorizationGrant, pairs []types.HandleContractPair) (map[string]types.ClearValue, error) {
	if err := d.check(rt, grant, pairs); err != nil {
		return nil, err
	}

	start := time.Now()
	labels := map[string]string{"chain": strconv.FormatUint(grant.ChainID, 10)}
	values, err := rt.UserDecrypt(ctx, grant.DecryptRequest(pairs))
	d.metrics.ObserveLatency(metrics.UserDecryptLatency, time.Since(start), labels)
	if err != nil {
		if cerr := types.CheckCancelled(ctx); cerr != nil {
			return nil, cerr
		}
		d.logger.Error("user decryption failed", map[string]any{"handles": len(pairs), "err": err})
		var fe *types.FhevmError
		if errors.As(err, &fe) && fe.Code == types.ErrCodeDecryptionFailed {
			return nil, err
		}
		return nil, types.NewError(types.ErrCodeDecryptionFailed, err, "failed to decrypt %d handles", len(pairs))
	}

	for _, p := range pairs {
		if _, ok := values[p.Handle.String()]; !ok {
			return nil, types.NewError(types.ErrCodeDecryptionFailed, nil, "runtime returned no value for handle %s", p.Handle)
		}
	}
	d.logger.Debug("decrypted batch", map[string]any{"handles": len(pairs), "chain": grant.ChainID})
	return values, nil
}

func (d *Decryptor) check(rt types.Runtime, grant *types.AuthorizationGrant, pairs []types.HandleContractPair) error {
	switch {
	case rt == nil:
		return types.NewError(types.ErrCodeInvalidArgument, nil, "runtime is required")
	case grant == nil || !grant.IsComplete():
		return types.NewError(types.ErrCodeInvalidArgument, nil, "a complete authorization grant is required")
	case len(pairs) == 0:
		return types.NewError(types.ErrCodeInvalidArgument, nil, "no handles to decrypt")
	case !grant.IsValidAt(d.now()):
		return types.NewError(types.ErrCodeInvalidArgument, nil, "authorization grant expired at %s", grant.ExpiresAt().UTC().Format(time.RFC3339))
	case grant.ChainID != rt.ChainID():
		return types.NewError(types.ErrCodeInvalidArgument, nil, "grant for chain %d used on chain %d", grant.ChainID, rt.ChainID())
	}

	if missing := grant.Missing(Contracts(pairs)); len(missing) > 0 {
		return types.NewError(types.ErrCodeInvalidArgument, nil, "authorization grant does not cover contract %s", missing[0].Hex())
	}
	for _, p := range pairs {
		if !p.Handle.Type().Valid() {
			return types.NewError(types.ErrCodeInvalidArgument, nil, "handle %s has unsupported type", p.Handle)
		}
	}
	return nil
}

// Group is the set of handles belonging to one logical entity, such as a
// diary entry.
type Group struct {
	ID    string
	Pairs []types.HandleContractPair
}

// GroupError reports which group failed to decrypt.
type GroupError struct {
	ID  string
	Err error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s: %v", e.ID, e.Err)
}

func (e *GroupError) Unwrap() error {
	return e.Err
}

// GroupResult is the outcome of one group: Values on success, Err otherwise.
type GroupResult struct {
	ID     string
	Values map[string]types.ClearValue
	Err    error
}

// DecryptGroups decrypts each group as its own batch so one failing entity
// does not hide the others. Results keep the order of groups. Cancellation
// stops at the next group and is returned as the error.
func (d *Decryptor) DecryptGroups(ctx context.Context, rt types.Runtime, grant *types.AuthorizationGrant, groups []Group) ([]GroupResult, error) {
	out := make([]GroupResult, 0, len(groups))
	for _, g := range groups {
		if err := types.CheckCancelled(ctx); err != nil {
			return out, err
		}
		values, err := d.Decrypt(ctx, rt, grant, g.Pairs)
		if err != nil {
			if types.IsCancelled(err) {
				return out, err
			}
			d.logger.Warn("group decryption failed", map[string]any{"group": g.ID, "err": err})
			out = append(out, GroupResult{ID: g.ID, Err: &GroupError{ID: g.ID, Err: err}})
			continue
		}
		out = append(out, GroupResult{ID: g.ID, Values: values})
	}
	return out, nil
}

// Contracts returns the distinct contracts of pairs in first-seen order.
func Contracts(pairs []types.HandleContractPair) []common.Address {
	seen := make(map[common.Address]struct{}, len(pairs))
	var out []common.Address
	for _, p := range pairs {
		if _, ok := seen[p.ContractAddress]; ok {
			continue
		}
		seen[p.ContractAddress] = struct{}{}
		out = append(out, p.ContractAddress)
	}
	return out
}
