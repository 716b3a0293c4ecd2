package sdk

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/zenchain/fhevm/clients"
	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
	"github.com/zenchain/fhevm/utils/eip712"
)

// relayerRuntime performs FHE primitives with the engine and defers input
// verification and key-share decryption to the relayer service.
type relayerRuntime struct {
	cfg          InstanceConfig
	engine       Engine
	relayer      *clients.RelayerClient
	publicKey    types.KeyMaterial
	publicParams map[int]types.KeyMaterial
	logger       logger.Logger
}

var _ types.Runtime = (*relayerRuntime)(nil)

func newRelayerRuntime(ctx context.Context, engine Engine, cfg InstanceConfig, l logger.Logger) (*relayerRuntime, error) {
	lg := logger.OrNoop(l).With(map[string]any{"chain": cfg.ChainID, "mode": "relayer"})
	rt := &relayerRuntime{
		cfg:          cfg,
		engine:       engine,
		relayer:      clients.NewRelayerClient(cfg.RelayerURL, clients.WithRelayerLogger(lg)),
		publicParams: make(map[int]types.KeyMaterial),
		logger:       lg,
	}

	if !cfg.PublicKey.IsEmpty() && !cfg.PublicParams.IsEmpty() {
		rt.publicKey = *cfg.PublicKey
		rt.publicParams[types.DefaultPublicParamsBits] = *cfg.PublicParams
		lg.Debug("using cached public key", map[string]any{"key_id": cfg.PublicKey.ID})
		return rt, nil
	}

	if err := rt.fetchKeys(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *relayerRuntime) fetchKeys(ctx context.Context) error {
	urls, err := r.relayer.KeyURLs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch key urls: %w", err)
	}

	pkSrc, err := urls.PublicKey()
	if err != nil {
		return err
	}
	pk, err := r.relayer.Download(ctx, pkSrc)
	if err != nil {
		return err
	}

	crsSrc, err := urls.Params(types.DefaultPublicParamsBits)
	if err != nil {
		return err
	}
	crs, err := r.relayer.Download(ctx, crsSrc)
	if err != nil {
		return err
	}

	r.publicKey = types.KeyMaterial{ID: pkSrc.DataID, Data: pk}
	r.publicParams[types.DefaultPublicParamsBits] = types.KeyMaterial{ID: crsSrc.DataID, Data: crs}
	r.logger.Info("downloaded public key material", map[string]any{"key_id": pkSrc.DataID, "crs_id": crsSrc.DataID})
	return nil
}

func (r *relayerRuntime) ChainID() uint64 { return r.cfg.ChainID }

func (r *relayerRuntime) PublicKey() types.KeyMaterial { return r.publicKey }

func (r *relayerRuntime) PublicParams(maxBits int) types.KeyMaterial {
	return r.publicParams[maxBits]
}

func (r *relayerRuntime) GenerateKeypair() (*types.Keypair, error) {
	var kp types.Keypair
	if err := r.engine.Call(context.Background(), OpKeygen, nil, &kp); err != nil {
		return nil, err
	}
	if len(kp.PublicKey) == 0 || len(kp.PrivateKey) == 0 {
		return nil, fmt.Errorf("engine returned an incomplete keypair")
	}
	return &kp, nil
}

func (r *relayerRuntime) CreateSigningRequest(publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) *eip712.Request {
	domain := eip712.DecryptionDomain(r.cfg.GatewayChainID, r.cfg.DecryptionVerifier())
	return eip712.NewRequest(domain, publicKey, contracts, startTimestamp, durationDays)
}

func (r *relayerRuntime) CreateEncryptedInput(contract, user common.Address) types.EncryptedInput {
	return types.NewInputBuilder(contract, user, r.encrypt)
}

type engineValue struct {
	Type  types.FheType `json:"type"`
	Value string        `json:"value"`
}

type encryptParams struct {
	PublicKey       hexutil.Bytes `json:"publicKey"`
	PublicParams    hexutil.Bytes `json:"publicParams"`
	ContractAddress string        `json:"contractAddress"`
	UserAddress     string        `json:"userAddress"`
	ACLAddress      string        `json:"aclAddress"`
	ChainID         uint64        `json:"chainId"`
	Values          []engineValue `json:"values"`
}

func (r *relayerRuntime) encrypt(ctx context.Context, contract, user common.Address, values []types.ClearValue) (*types.EncryptedPayload, error) {
	params := encryptParams{
		PublicKey:       r.publicKey.Data,
		PublicParams:    r.publicParams[types.DefaultPublicParamsBits].Data,
		ContractAddress: contract.Hex(),
		UserAddress:     user.Hex(),
		ACLAddress:      r.cfg.ACLContractAddress,
		ChainID:         r.cfg.ChainID,
		Values:          make([]engineValue, len(values)),
	}
	for i, v := range values {
		params.Values[i] = engineValue{Type: v.Type, Value: v.Value.Dec()}
	}

	var ct struct {
		Ciphertext hexutil.Bytes `json:"ciphertext"`
	}
	if err := r.engine.Call(ctx, OpEncrypt, params, &ct); err != nil {
		return nil, err
	}

	resp, err := r.relayer.InputProof(ctx, &clients.InputProofRequest{
		ContractAddress: contract.Hex(),
		UserAddress:     user.Hex(),
		Ciphertext:      strings.TrimPrefix(hexutil.Encode(ct.Ciphertext), "0x"),
		ContractChainID: hexutil.EncodeUint64(r.cfg.ChainID),
		ExtraData:       "0x00",
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Handles) != len(values) {
		return nil, fmt.Errorf("relayer returned %d handles for %d values", len(resp.Handles), len(values))
	}

	handles := make([]types.Handle, len(resp.Handles))
	for i, h := range resp.Handles {
		if handles[i], err = types.ParseHandle(ensure0x(h)); err != nil {
			return nil, err
		}
	}
	sigs := make([][]byte, len(resp.Signatures))
	for i, s := range resp.Signatures {
		if sigs[i], err = hexutil.Decode(ensure0x(s)); err != nil {
			return nil, fmt.Errorf("invalid coprocessor signature: %w", err)
		}
	}

	return &types.EncryptedPayload{
		Handles:    handles,
		InputProof: BuildInputProof(handles, sigs, []byte{0x00}),
	}, nil
}

type decryptParams struct {
	PrivateKey hexutil.Bytes             `json:"privateKey"`
	PublicKey  hexutil.Bytes             `json:"publicKey"`
	Shares     []clients.DecryptionShare `json:"shares"`
	Handles    []string                  `json:"handles"`
}

func (r *relayerRuntime) UserDecrypt(ctx context.Context, req *types.UserDecryptRequest) (map[string]types.ClearValue, error) {
	if err := checkDecryptRequest(req); err != nil {
		return nil, err
	}

	pairs := make([]clients.HandlePair, len(req.Pairs))
	handles := make([]string, len(req.Pairs))
	for i, p := range req.Pairs {
		pairs[i] = clients.HandlePair{Handle: p.Handle.String(), ContractAddress: p.ContractAddress.Hex()}
		handles[i] = p.Handle.String()
	}
	contracts := make([]string, len(req.ContractAddresses))
	for i, c := range req.ContractAddresses {
		contracts[i] = c.Hex()
	}

	shares, err := r.relayer.UserDecrypt(ctx, &clients.UserDecryptRequest{
		HandleContractPairs: pairs,
		RequestValidity: clients.RequestValidity{
			StartTimestamp: strconv.FormatInt(req.StartTimestamp, 10),
			DurationDays:   strconv.FormatInt(req.DurationDays, 10),
		},
		ContractsChainID:  strconv.FormatUint(r.cfg.ChainID, 10),
		ContractAddresses: contracts,
		UserAddress:       req.UserAddress.Hex(),
		Signature:         strings.TrimPrefix(hexutil.Encode(req.Signature), "0x"),
		PublicKey:         strings.TrimPrefix(hexutil.Encode(req.PublicKey), "0x"),
		ExtraData:         "0x00",
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Values map[string]string `json:"values"`
	}
	err = r.engine.Call(ctx, OpDecrypt, decryptParams{
		PrivateKey: req.PrivateKey,
		PublicKey:  req.PublicKey,
		Shares:     shares,
		Handles:    handles,
	}, &out)
	if err != nil {
		return nil, err
	}

	result := make(map[string]types.ClearValue, len(req.Pairs))
	for _, p := range req.Pairs {
		key := p.Handle.String()
		raw, ok := out.Values[key]
		if !ok {
			return nil, fmt.Errorf("engine returned no value for handle %s", key)
		}
		n, err := uint256.FromDecimal(raw)
		if err != nil {
			return nil, fmt.Errorf("engine returned invalid value for handle %s: %w", key, err)
		}
		cv, err := types.IntValue(p.Handle.Type(), n)
		if err != nil {
			return nil, err
		}
		result[key] = cv
	}
	return result, nil
}

func (r *relayerRuntime) Close() error { return nil }

// checkDecryptRequest rejects requests whose handles fall outside the
// signed contract set.
func checkDecryptRequest(req *types.UserDecryptRequest) error {
	if len(req.Pairs) == 0 {
		return fmt.Errorf("no handles to decrypt")
	}
	allowed := make(map[common.Address]struct{}, len(req.ContractAddresses))
	for _, c := range req.ContractAddresses {
		allowed[c] = struct{}{}
	}
	for _, p := range req.Pairs {
		if _, ok := allowed[p.ContractAddress]; !ok {
			return fmt.Errorf("contract %s is not in the signed contract list", p.ContractAddress.Hex())
		}
		if !p.Handle.Type().Valid() {
			return fmt.Errorf("handle %s has unsupported type %d", p.Handle, p.Handle[30])
		}
	}
	return nil
}

// BuildInputProof serializes numHandles | numSigners | handles | signatures | extraData.
func BuildInputProof(handles []types.Handle, signatures [][]byte, extraData []byte) []byte {
	size := 2 + 32*len(handles) + len(extraData)
	for _, s := range signatures {
		size += len(s)
	}
	proof := make([]byte, 0, size)
	proof = append(proof, byte(len(handles)), byte(len(signatures)))
	for _, h := range handles {
		proof = append(proof, h[:]...)
	}
	for _, s := range signatures {
		proof = append(proof, s...)
	}
	return append(proof, extraData...)
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
