// Package clients talks to chains and services during runtime bootstrap:
// chain classification, simulator probing and the relayer HTTP API.
package clients

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
)

// Classifier resolves a connection's chain identity into a ChainMode.
type Classifier struct {
	simulationChains map[uint64]string
	logger           logger.Logger
}

func NewClassifier(simulationChains map[uint64]string, l logger.Logger) *Classifier {
	chains := make(map[uint64]string, len(simulationChains))
	for id, url := range simulationChains {
		chains[id] = url
	}
	return &Classifier{simulationChains: chains, logger: logger.OrNoop(l)}
}

// Classify queries the chain id once and maps it to a ChainMode. There are
// no retries and no cached fallback.
func (c *Classifier) Classify(ctx context.Context, conn types.Connection) (types.ChainMode, error) {
	chainID, err := ChainID(ctx, conn)
	if err != nil {
		c.logger.Error("chain classification failed", map[string]any{"conn": conn.String(), "err": err})
		return nil, types.NewError(types.ErrCodeClassificationFailed, err, "failed to query chain id of %s", conn)
	}

	mode := Classify(chainID, c.simulationChains, conn)
	c.logger.Info("chain classified", map[string]any{"chain": chainID, "mode": fmt.Sprint(mode)})
	return mode, nil
}

// Classify is the pure routing decision: Simulation when chainID is in the
// mapping (carrying the mapped URL), Relayer otherwise.
func Classify(chainID uint64, simulationChains map[uint64]string, conn types.Connection) types.ChainMode {
	if url, ok := simulationChains[chainID]; ok {
		return types.SimulationMode{ID: chainID, RPCEndpoint: url}
	}
	return types.RelayerMode{ID: chainID, Connection: conn}
}

// ChainID issues a single eth_chainId over the injected provider, or over a
// short-lived client dialed from the URL.
func ChainID(ctx context.Context, conn types.Connection) (uint64, error) {
	if conn.Provider != nil {
		var id hexutil.Uint64
		if err := conn.Provider.CallContext(ctx, &id, "eth_chainId"); err != nil {
			return 0, err
		}
		return uint64(id), nil
	}
	if conn.URL == "" {
		return 0, errors.New("connection has neither a URL nor a provider")
	}

	rc, err := rpc.DialContext(ctx, conn.URL)
	if err != nil {
		return 0, fmt.Errorf("failed to dial %s: %w", conn.URL, err)
	}
	client := ethclient.NewClient(rc)
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("chain id %s out of range", id)
	}
	return id.Uint64(), nil
}

// Caller returns an RPCCaller for conn, dialing the URL when no provider is
// injected. The returned close function is always non-nil.
func Caller(ctx context.Context, conn types.Connection) (types.RPCCaller, func(), error) {
	if conn.Provider != nil {
		return conn.Provider, func() {}, nil
	}
	rc, err := rpc.DialContext(ctx, conn.URL)
	if err != nil {
		return nil, func() {}, fmt.Errorf("failed to dial %s: %w", conn.URL, err)
	}
	return rc, rc.Close, nil
}
