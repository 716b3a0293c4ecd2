// Package types holds the data model shared by the runtime bootstrap,
// authorization and decryption packages.
package types

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RuntimeStatus is a lifecycle stage of one runtime-creation attempt.
type RuntimeStatus string

const (
	StatusIdle            RuntimeStatus = "idle"
	StatusSDKLoading      RuntimeStatus = "sdk-loading"
	StatusSDKLoaded       RuntimeStatus = "sdk-loaded"
	StatusSDKInitializing RuntimeStatus = "sdk-initializing"
	StatusSDKInitialized  RuntimeStatus = "sdk-initialized"
	StatusCreating        RuntimeStatus = "creating"
	StatusReady           RuntimeStatus = "ready"
	StatusError           RuntimeStatus = "error"
)

var statusRank = map[RuntimeStatus]int{
	StatusIdle:            0,
	StatusSDKLoading:      1,
	StatusSDKLoaded:       2,
	StatusSDKInitializing: 3,
	StatusSDKInitialized:  4,
	StatusCreating:        5,
	StatusReady:           6,
}

// Rank orders non-terminal statuses. Error ranks after every other status.
func (s RuntimeStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}

// IsTerminal reports whether no further transition follows s within an attempt.
func (s RuntimeStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusError
}

func (s RuntimeStatus) String() string {
	return string(s)
}

// StatusFunc receives each status transition in order.
type StatusFunc func(RuntimeStatus)

// RPCCaller is the JSON-RPC surface of an injected provider. *rpc.Client
// satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Connection is either a JSON-RPC URL or an injected provider. When both are
// set the provider is used for calls and the URL is kept for display.
type Connection struct {
	URL      string
	Provider RPCCaller
}

func (c Connection) String() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Provider != nil {
		return "injected-provider"
	}
	return "<none>"
}

// SimulatorMetadata is the answer of the simulator's metadata query.
type SimulatorMetadata struct {
	ACLAddress           string `json:"ACLAddress" validate:"required,eth_addr"`
	InputVerifierAddress string `json:"InputVerifierAddress" validate:"required,eth_addr"`
	KMSVerifierAddress   string `json:"KMSVerifierAddress" validate:"required,eth_addr"`
}

func (m SimulatorMetadata) ACL() common.Address {
	return common.HexToAddress(m.ACLAddress)
}

func (m SimulatorMetadata) InputVerifier() common.Address {
	return common.HexToAddress(m.InputVerifierAddress)
}

func (m SimulatorMetadata) KMSVerifier() common.Address {
	return common.HexToAddress(m.KMSVerifierAddress)
}

// KeyMaterial is an identified blob of public FHE key data.
type KeyMaterial struct {
	ID   string        `json:"id,omitempty"`
	Data hexutil.Bytes `json:"data"`
}

func (k *KeyMaterial) IsEmpty() bool {
	return k == nil || len(k.Data) == 0
}

// CachedPublicKey is the public key and parameters of one access-control
// contract, stamped with the time they were fetched.
type CachedPublicKey struct {
	PublicKey    KeyMaterial `json:"publicKey"`
	PublicParams KeyMaterial `json:"publicParams"`
	FetchedAt    time.Time   `json:"fetchedAt"`
}

// IsFresh reports whether the entry is younger than ttl at now.
func (c *CachedPublicKey) IsFresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.FetchedAt) < ttl
}

// Keypair is a decryption keypair generated by a runtime.
type Keypair struct {
	PublicKey  hexutil.Bytes `json:"publicKey"`
	PrivateKey hexutil.Bytes `json:"privateKey"`
}

// MarshalJSON hides the private key.
func (k Keypair) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PublicKey hexutil.Bytes `json:"publicKey"`
	}{k.PublicKey})
}
