package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
)

// RelayerSDK is the structural shape of a loaded relayer SDK.
type RelayerSDK interface {
	// InitSDK performs the SDK's one-time internal setup.
	InitSDK(ctx context.Context) (bool, error)
	CreateInstance(ctx context.Context, cfg InstanceConfig) (types.Runtime, error)
	// DefaultConfig returns the network configuration for chainID.
	DefaultConfig(chainID uint64) (types.NetworkConfig, error)
}

// InstanceConfig is the input of CreateInstance. Key material hints skip
// the key download when present.
type InstanceConfig struct {
	types.NetworkConfig
	Network      types.Connection
	PublicKey    *types.KeyMaterial
	PublicParams *types.KeyMaterial
}

// Engine executes FHE primitives: init, keygen, encrypt and decrypt.
type Engine interface {
	Call(ctx context.Context, op string, params any, result any) error
	Close(ctx context.Context) error
}

// Engine operations
const (
	OpInit    = "init"
	OpKeygen  = "keygen"
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
)

type engineRequest struct {
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type engineResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// EngineSDK is a RelayerSDK backed by an FHE engine and the relayer service.
type EngineSDK struct {
	engine   Engine
	networks map[uint64]types.NetworkConfig
	logger   logger.Logger

	mu     sync.Mutex
	closed bool
}

var _ RelayerSDK = (*EngineSDK)(nil)

func NewEngineSDK(engine Engine, networks map[uint64]types.NetworkConfig, l logger.Logger) *EngineSDK {
	n := map[uint64]types.NetworkConfig{types.SepoliaChainID: types.SepoliaNetwork}
	for id, cfg := range networks {
		n[id] = cfg
	}
	return &EngineSDK{engine: engine, networks: n, logger: logger.OrNoop(l)}
}

func (s *EngineSDK) InitSDK(ctx context.Context) (bool, error) {
	var res struct {
		Ready bool `json:"ready"`
	}
	if err := s.engine.Call(ctx, OpInit, nil, &res); err != nil {
		return false, err
	}
	return res.Ready, nil
}

func (s *EngineSDK) DefaultConfig(chainID uint64) (types.NetworkConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.networks[chainID]
	if !ok {
		return types.NetworkConfig{}, fmt.Errorf("relayer sdk has no configuration for chain %d", chainID)
	}
	return cfg, nil
}

func (s *EngineSDK) CreateInstance(ctx context.Context, cfg InstanceConfig) (types.Runtime, error) {
	if err := types.Validate(&cfg.NetworkConfig); err != nil {
		return nil, fmt.Errorf("invalid instance config: %w", err)
	}
	return newRelayerRuntime(ctx, s.engine, cfg, s.logger)
}

// Close releases the engine.
func (s *EngineSDK) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.engine.Close(ctx)
}
