package types

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SecondsPerDay converts a grant's duration into its validity window.
const SecondsPerDay = 86400

// AuthorizationGrant is a signed, time-boxed permission for one user to
// decrypt handles owned by a set of contracts on one chain.
type AuthorizationGrant struct {
	PrivateKey        hexutil.Bytes    `json:"privateKey" validate:"required,min=1"`
	PublicKey         hexutil.Bytes    `json:"publicKey" validate:"required,min=1"`
	Signature         hexutil.Bytes    `json:"signature" validate:"required,min=1"`
	ContractAddresses []common.Address `json:"contractAddresses" validate:"required,min=1"`
	UserAddress       common.Address   `json:"userAddress" validate:"required"`
	StartTimestamp    int64            `json:"startTimestamp" validate:"gt=0"`
	DurationDays      int64            `json:"durationDays" validate:"gt=0"`
	ChainID           uint64           `json:"chainId" validate:"gt=0"`
}

// ExpiresAt is the first instant the grant is no longer valid.
func (g *AuthorizationGrant) ExpiresAt() time.Time {
	return time.Unix(g.StartTimestamp+g.DurationDays*SecondsPerDay, 0)
}

// IsValidAt reports now < startTimestamp + durationDays*86400.
func (g *AuthorizationGrant) IsValidAt(now time.Time) bool {
	return now.Unix() < g.StartTimestamp+g.DurationDays*SecondsPerDay
}

// IsComplete reports whether every field needed for decryption is present.
func (g *AuthorizationGrant) IsComplete() bool {
	return validate.Struct(g) == nil
}

// Covers reports whether the grant's contract set is a superset of contracts.
func (g *AuthorizationGrant) Covers(contracts []common.Address) bool {
	have := make(map[common.Address]struct{}, len(g.ContractAddresses))
	for _, c := range g.ContractAddresses {
		have[c] = struct{}{}
	}
	for _, c := range contracts {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the contracts not covered by the grant, in request order.
func (g *AuthorizationGrant) Missing(contracts []common.Address) []common.Address {
	var out []common.Address
	for _, c := range contracts {
		if !g.Covers([]common.Address{c}) {
			out = append(out, c)
		}
	}
	return out
}

// DecryptRequest binds the grant to a batch of handles.
func (g *AuthorizationGrant) DecryptRequest(pairs []HandleContractPair) *UserDecryptRequest {
	return &UserDecryptRequest{
		Pairs:             pairs,
		PrivateKey:        g.PrivateKey,
		PublicKey:         g.PublicKey,
		Signature:         g.Signature,
		ContractAddresses: g.ContractAddresses,
		UserAddress:       g.UserAddress,
		StartTimestamp:    g.StartTimestamp,
		DurationDays:      g.DurationDays,
	}
}

// Lower is the lowercase hex form used in storage keys.
func Lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}
