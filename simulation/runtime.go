// Package simulation implements the FHE capability surface in-process for
// local development chains. Cleartexts are kept in a ledger keyed by handle
// while decryption enforces the same grant rules as the relayer.
package simulation

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zenchain/fhevm/clients"
	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/storage"
	"github.com/zenchain/fhevm/types"
	"github.com/zenchain/fhevm/utils/eip712"
)

const aclABI = `[{"name":"persistAllowed","type":"function","stateMutability":"view","inputs":[{"name":"handle","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]}]`

var parsedACL = mustParseABI(aclABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Config binds a simulation runtime to one chain and its control contracts.
type Config struct {
	ChainID                   uint64
	GatewayChainID            uint64
	Metadata                  types.SimulatorMetadata
	DecryptionVerifier        common.Address
	InputVerificationVerifier common.Address

	// Caller, when set together with CheckACL, is used for persistAllowed
	// checks against the ACL contract.
	Caller   types.RPCCaller
	CheckACL bool
	// Release is called once by Close.
	Release func()

	Store     storage.Store
	Namespace string
	Now       func() time.Time
	Logger    logger.Logger
}

// Runtime is the simulated types.Runtime.
type Runtime struct {
	cfg       Config
	ledger    *Ledger
	logger    logger.Logger
	closeOnce sync.Once
}

var _ types.Runtime = (*Runtime)(nil)

// New builds a runtime from cfg. Missing gateway chain, verifying contracts,
// store and clock fall back to the simulator defaults.
func New(cfg Config) (*Runtime, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("simulation runtime needs a chain id")
	}
	if err := types.Validate(cfg.Metadata); err != nil {
		return nil, fmt.Errorf("invalid simulator metadata: %w", err)
	}
	if cfg.GatewayChainID == 0 {
		cfg.GatewayChainID = types.GatewayChainID
	}
	if cfg.DecryptionVerifier == (common.Address{}) {
		cfg.DecryptionVerifier = types.SimulationDecryptionVerifier
	}
	if cfg.InputVerificationVerifier == (common.Address{}) {
		cfg.InputVerificationVerifier = types.SimulationInputVerificationVerifier
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = types.DefaultNamespace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CheckACL && cfg.Caller == nil {
		return nil, errors.New("ACL checks need an RPC caller")
	}

	lg := logger.OrNoop(cfg.Logger).With(map[string]any{"chain": cfg.ChainID, "mode": "simulation"})
	return &Runtime{
		cfg:    cfg,
		ledger: NewLedger(cfg.Store, cfg.Namespace),
		logger: lg,
	}, nil
}

func (r *Runtime) ChainID() uint64 { return r.cfg.ChainID }

// Ledger exposes the cleartext ledger backing this runtime.
func (r *Runtime) Ledger() *Ledger { return r.ledger }

// PublicKey is a deterministic stand-in derived from the ACL address.
func (r *Runtime) PublicKey() types.KeyMaterial {
	acl := r.cfg.Metadata.ACL()
	return types.KeyMaterial{
		ID:   fmt.Sprintf("simulation-%d-pk", r.cfg.ChainID),
		Data: crypto.Keccak256([]byte("simulation.publicKey"), acl.Bytes()),
	}
}

func (r *Runtime) PublicParams(maxBits int) types.KeyMaterial {
	acl := r.cfg.Metadata.ACL()
	bits := make([]byte, 8)
	binary.BigEndian.PutUint64(bits, uint64(maxBits))
	return types.KeyMaterial{
		ID:   fmt.Sprintf("simulation-%d-crs%d", r.cfg.ChainID, maxBits),
		Data: crypto.Keccak256([]byte("simulation.publicParams"), acl.Bytes(), bits),
	}
}

// GenerateKeypair returns a fresh secp256k1 keypair in uncompressed form.
func (r *Runtime) GenerateKeypair() (*types.Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &types.Keypair{
		PublicKey:  crypto.FromECDSAPub(&key.PublicKey),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

func (r *Runtime) CreateSigningRequest(publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) *eip712.Request {
	domain := eip712.DecryptionDomain(r.cfg.GatewayChainID, r.cfg.DecryptionVerifier)
	return eip712.NewRequest(domain, publicKey, contracts, startTimestamp, durationDays)
}

func (r *Runtime) CreateEncryptedInput(contract, user common.Address) types.EncryptedInput {
	return types.NewInputBuilder(contract, user, r.encrypt)
}

func (r *Runtime) encrypt(ctx context.Context, contract, user common.Address, values []types.ClearValue) (*types.EncryptedPayload, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	chain := make([]byte, 8)
	binary.BigEndian.PutUint64(chain, r.cfg.ChainID)
	seed := crypto.Keccak256(nonce[:], contract.Bytes(), user.Bytes(), r.cfg.Metadata.ACL().Bytes(), chain)

	handles := make([]types.Handle, len(values))
	for i, v := range values {
		var prefix [21]byte
		copy(prefix[:], crypto.Keccak256(seed, []byte{byte(i)}))
		h := types.NewHandle(prefix, uint8(i), r.cfg.ChainID, v.Type)
		if err := r.ledger.Record(ctx, h, v, contract, user); err != nil {
			return nil, fmt.Errorf("failed to record cleartext: %w", err)
		}
		handles[i] = h
	}

	proof := make([]byte, 0, 2+32*len(handles))
	proof = append(proof, byte(len(handles)), 0)
	for _, h := range handles {
		proof = append(proof, h[:]...)
	}

	r.logger.Debug("encrypted simulated input", map[string]any{"contract": contract.Hex(), "values": len(values)})
	return &types.EncryptedPayload{Handles: handles, InputProof: proof}, nil
}

// UserDecrypt checks the grant and returns every requested cleartext, or
// fails the whole batch.
func (r *Runtime) UserDecrypt(ctx context.Context, req *types.UserDecryptRequest) (map[string]types.ClearValue, error) {
	if len(req.Pairs) == 0 {
		return nil, errors.New("no handles to decrypt")
	}
	if req.DurationDays <= 0 {
		return nil, fmt.Errorf("invalid duration of %d days", req.DurationDays)
	}
	now := r.cfg.Now().Unix()
	if now >= req.StartTimestamp+req.DurationDays*types.SecondsPerDay {
		return nil, errors.New("decryption request has expired")
	}

	signed := make(map[common.Address]struct{}, len(req.ContractAddresses))
	for _, c := range req.ContractAddresses {
		signed[c] = struct{}{}
	}
	for _, p := range req.Pairs {
		if _, ok := signed[p.ContractAddress]; !ok {
			return nil, fmt.Errorf("contract %s is not in the signed contract list", p.ContractAddress.Hex())
		}
	}

	sr := r.CreateSigningRequest(req.PublicKey, req.ContractAddresses, req.StartTimestamp, req.DurationDays)
	if !eip712.VerifyRequest(sr, req.Signature, req.UserAddress) {
		return nil, fmt.Errorf("signature does not recover to %s", req.UserAddress.Hex())
	}

	out := make(map[string]types.ClearValue, len(req.Pairs))
	for _, p := range req.Pairs {
		if r.cfg.CheckACL {
			if err := r.checkACL(ctx, p.Handle, req.UserAddress, p.ContractAddress); err != nil {
				return nil, err
			}
		}
		v, bound, err := r.ledger.Lookup(ctx, p.Handle)
		if err != nil {
			return nil, err
		}
		if bound != p.ContractAddress {
			return nil, fmt.Errorf("handle %s belongs to contract %s, not %s", p.Handle, bound.Hex(), p.ContractAddress.Hex())
		}
		if v.Type != p.Handle.Type() {
			return nil, fmt.Errorf("handle %s declares %s but ledger holds %s", p.Handle, p.Handle.Type(), v.Type)
		}
		out[p.Handle.String()] = v
	}

	r.logger.Debug("simulated user decryption", map[string]any{"handles": len(out), "user": req.UserAddress.Hex()})
	return out, nil
}

func (r *Runtime) checkACL(ctx context.Context, h types.Handle, accounts ...common.Address) error {
	for _, account := range accounts {
		res, err := clients.ViewCall(ctx, r.cfg.Caller, r.cfg.Metadata.ACL(), parsedACL, "persistAllowed", [32]byte(h), account)
		if err != nil {
			return fmt.Errorf("ACL check failed: %w", err)
		}
		if len(res) != 1 {
			return fmt.Errorf("ACL check returned %d values", len(res))
		}
		allowed, ok := res[0].(bool)
		if !ok || !allowed {
			return fmt.Errorf("%s is not allowed to decrypt handle %s", account.Hex(), h)
		}
	}
	return nil
}

func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.cfg.Release != nil {
			r.cfg.Release()
		}
	})
	return nil
}
