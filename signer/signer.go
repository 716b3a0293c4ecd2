// Package signer produces EIP-712 signatures for decryption requests, either
// with a local key or through a wallet's JSON-RPC endpoint.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/zenchain/fhevm/types"
	"github.com/zenchain/fhevm/utils/eip712"
)

// Signer signs structured data on behalf of one account.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// KeySigner signs with an in-process private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ Signer = (*KeySigner)(nil)

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewKeySignerFromHex parses a hex private key with or without 0x prefix.
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

// SignTypedData returns a 65-byte signature with V in {27, 28}.
func (s *KeySigner) SignTypedData(_ context.Context, td apitypes.TypedData) ([]byte, error) {
	digest, err := eip712.Hash(td)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign failed: %w", err)
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}

// WalletSigner delegates signing to a wallet via eth_signTypedData_v4.
type WalletSigner struct {
	rpc  types.RPCCaller
	addr common.Address
}

var _ Signer = (*WalletSigner)(nil)

func NewWalletSigner(rpc types.RPCCaller, addr common.Address) *WalletSigner {
	return &WalletSigner{rpc: rpc, addr: addr}
}

func (w *WalletSigner) Address() common.Address { return w.addr }

func (w *WalletSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	payload, err := json.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed data: %w", err)
	}

	var sig hexutil.Bytes
	if err := w.rpc.CallContext(ctx, &sig, "eth_signTypedData_v4", w.addr.Hex(), string(payload)); err != nil {
		return nil, err
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("wallet returned %d-byte signature", len(sig))
	}
	return sig, nil
}
