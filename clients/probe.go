package clients

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
)

const (
	// SimulatorMarker identifies an FHE-capable local node in web3_clientVersion.
	SimulatorMarker = "hardhat"

	MethodClientVersion     = "web3_clientVersion"
	MethodSimulatorMetadata = "fhevm_relayer_metadata"
)

// Probe checks whether an RPC endpoint is a local FHE simulator.
type Probe struct {
	logger  logger.Logger
	timeout time.Duration
}

func NewProbe(l logger.Logger, timeout time.Duration) *Probe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Probe{logger: logger.OrNoop(l), timeout: timeout}
}

// Probe dials rpcURL and returns the simulator's control-contract addresses.
// Every failure is reported as "not a simulator".
func (p *Probe) Probe(ctx context.Context, rpcURL string) (*types.SimulatorMetadata, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		p.logger.Debug("simulator probe dial failed", map[string]any{"rpc": rpcURL, "err": err})
		return nil, false
	}
	defer rc.Close()

	return p.ProbeCaller(ctx, rc)
}

// ProbeCaller runs the two-step probe over an existing caller.
func (p *Probe) ProbeCaller(ctx context.Context, caller types.RPCCaller) (*types.SimulatorMetadata, bool) {
	var version string
	if err := caller.CallContext(ctx, &version, MethodClientVersion); err != nil {
		p.logger.Debug("client version query failed", map[string]any{"err": err})
		return nil, false
	}
	if !strings.Contains(strings.ToLower(version), SimulatorMarker) {
		p.logger.Debug("node is not a simulator", map[string]any{"version": version})
		return nil, false
	}

	var raw json.RawMessage
	if err := caller.CallContext(ctx, &raw, MethodSimulatorMetadata); err != nil {
		p.logger.Debug("simulator metadata query failed", map[string]any{"err": err})
		return nil, false
	}

	var md types.SimulatorMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		p.logger.Debug("simulator metadata malformed", map[string]any{"err": err})
		return nil, false
	}
	if err := types.Validate(&md); err != nil {
		p.logger.Debug("simulator metadata incomplete", map[string]any{"err": err})
		return nil, false
	}

	p.logger.Info("simulator detected", map[string]any{
		"version": version,
		"acl":     md.ACLAddress,
	})
	return &md, true
}
