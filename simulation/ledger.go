package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
)

const ledgerVersion = 1

// ErrUnknownHandle is returned for handles the simulator never produced.
var ErrUnknownHandle = errors.New("handle is not known to the simulator")

type ledgerEntry struct {
	Version  int            `json:"version"`
	Type     types.FheType  `json:"type"`
	Value    string         `json:"value"`
	Contract common.Address `json:"contract"`
	User     common.Address `json:"user"`
}

// Ledger records the cleartext behind each simulated handle.
type Ledger struct {
	store  storage.Store
	prefix string
}

func NewLedger(store storage.Store, namespace string) *Ledger {
	return &Ledger{store: store, prefix: namespace + ".simulation.cleartext."}
}

func (l *Ledger) key(h types.Handle) string {
	return l.prefix + h.String()
}

func (l *Ledger) Record(ctx context.Context, h types.Handle, v types.ClearValue, contract, user common.Address) error {
	raw, err := json.Marshal(ledgerEntry{
		Version:  ledgerVersion,
		Type:     v.Type,
		Value:    v.Value.Dec(),
		Contract: contract,
		User:     user,
	})
	if err != nil {
		return err
	}
	return l.store.Set(ctx, l.key(h), raw)
}

// Lookup returns the recorded value and the contract the handle was bound to.
func (l *Ledger) Lookup(ctx context.Context, h types.Handle) (types.ClearValue, common.Address, error) {
	raw, err := l.store.Get(ctx, l.key(h))
	if errors.Is(err, storage.ErrNotFound) {
		return types.ClearValue{}, common.Address{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if err != nil {
		return types.ClearValue{}, common.Address{}, err
	}

	var e ledgerEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return types.ClearValue{}, common.Address{}, fmt.Errorf("corrupt ledger entry for %s: %w", h, err)
	}
	if e.Version != ledgerVersion {
		return types.ClearValue{}, common.Address{}, fmt.Errorf("ledger entry for %s has version %d", h, e.Version)
	}
	n, err := uint256.FromDecimal(e.Value)
	if err != nil {
		return types.ClearValue{}, common.Address{}, fmt.Errorf("corrupt ledger value for %s: %w", h, err)
	}
	v, err := types.IntValue(e.Type, n)
	if err != nil {
		return types.ClearValue{}, common.Address{}, err
	}
	return v, e.Contract, nil
}

// Clear removes every recorded cleartext.
func (l *Ledger) Clear(ctx context.Context) (int, error) {
	return l.store.DeletePrefix(ctx, l.prefix)
}
