// Package eip712 builds and verifies the structured (EIP-712) decryption
// request a user signs to obtain a time-boxed decryption grant.
package eip712

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// ReencryptType is the schema wallets are asked to sign first.
	ReencryptType = "Reencrypt"
	// UserDecryptType is the newer schema, tried when a signer rejects
	// ReencryptType.
	UserDecryptType = "UserDecryptRequestVerification"

	DomainName    = "Decryption"
	DomainVersion = "1"
)

var ErrUnknownType = errors.New("unknown decryption request type")

// SigningOrder lists the schemas in the order a signing ceremony tries them.
var SigningOrder = []string{ReencryptType, UserDecryptType}

var types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	UserDecryptType: {
		{Name: "publicKey", Type: "bytes"},
		{Name: "contractAddresses", Type: "address[]"},
		{Name: "startTimestamp", Type: "uint256"},
		{Name: "durationDays", Type: "uint256"},
		{Name: "extraData", Type: "bytes"},
	},
	ReencryptType: {
		{Name: "publicKey", Type: "bytes"},
	},
}

// Domain separates decryption requests per gateway chain and verifying contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// DecryptionDomain returns the domain used by both runtimes for user decryption.
func DecryptionDomain(gatewayChainID uint64, verifyingContract common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           gatewayChainID,
		VerifyingContract: verifyingContract,
	}
}

// Request is the structured message binding a decryption public key to a set
// of contracts and a validity window.
type Request struct {
	Domain            Domain
	PublicKey         hexutil.Bytes
	ContractAddresses []common.Address
	StartTimestamp    int64
	DurationDays      int64
	ExtraData         hexutil.Bytes
}

func NewRequest(domain Domain, publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) *Request {
	return &Request{
		Domain:            domain,
		PublicKey:         publicKey,
		ContractAddresses: contracts,
		StartTimestamp:    startTimestamp,
		DurationDays:      durationDays,
		ExtraData:         hexutil.Bytes{0x00},
	}
}

// TypedData renders the request under the given primary type name. Only the
// fields declared by that type are included in the message.
func (r *Request) TypedData(primaryType string) (apitypes.TypedData, error) {
	fields, ok := types[primaryType]
	if !ok {
		return apitypes.TypedData{}, fmt.Errorf("%w: %s", ErrUnknownType, primaryType)
	}

	full := map[string]interface{}{
		"publicKey":         hexutil.Encode(r.PublicKey),
		"contractAddresses": addressList(r.ContractAddresses),
		"startTimestamp":    strconv.FormatInt(r.StartTimestamp, 10),
		"durationDays":      strconv.FormatInt(r.DurationDays, 10),
		"extraData":         hexutil.Encode(r.ExtraData),
	}
	message := make(apitypes.TypedDataMessage, len(fields))
	for _, f := range fields {
		message[f.Name] = full[f.Name]
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": types["EIP712Domain"],
			primaryType:    fields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              r.Domain.Name,
			Version:           r.Domain.Version,
			ChainId:           math.NewHexOrDecimal256(int64(r.Domain.ChainID)),
			VerifyingContract: r.Domain.VerifyingContract.Hex(),
		},
		Message: message,
	}, nil
}

// Hash returns the EIP-712 digest keccak256("\x19\x01" || domainSeparator || structHash).
func Hash(td apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}

// RecoverSigner recovers the address that signed td. V may be 0/1 or 27/28.
func RecoverSigner(td apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	digest, err := Hash(td)
	if err != nil {
		return common.Address{}, err
	}

	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(digest, s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest reports whether sig is a signature by expected over r under
// any schema in SigningOrder.
func VerifyRequest(r *Request, sig []byte, expected common.Address) bool {
	for _, primaryType := range SigningOrder {
		td, err := r.TypedData(primaryType)
		if err != nil {
			continue
		}
		addr, err := RecoverSigner(td, sig)
		if err == nil && addr == expected {
			return true
		}
	}
	return false
}

func addressList(addrs []common.Address) []interface{} {
	out := make([]interface{}, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
