package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ChainMode is the routing decision for one runtime-creation attempt. It is
// either SimulationMode or RelayerMode.
type ChainMode interface {
	ChainID() uint64
	isChainMode()
}

// SimulationMode routes to a local FHE simulator reachable at RPCEndpoint.
// Simulator is filled in once the probe has confirmed capability.
type SimulationMode struct {
	ID          uint64
	RPCEndpoint string
	Simulator   *SimulatorMetadata
}

func (m SimulationMode) ChainID() uint64 { return m.ID }
func (SimulationMode) isChainMode()      {}

func (m SimulationMode) String() string {
	return fmt.Sprintf("simulation(chain=%d, rpc=%s)", m.ID, m.RPCEndpoint)
}

// RelayerMode routes to the remote relayer runtime over the original connection.
type RelayerMode struct {
	ID         uint64
	Connection Connection
}

func (m RelayerMode) ChainID() uint64 { return m.ID }
func (RelayerMode) isChainMode()      {}

func (m RelayerMode) String() string {
	return fmt.Sprintf("relayer(chain=%d, conn=%s)", m.ID, m.Connection)
}

// NetworkConfig is the relayer runtime configuration for one chain.
type NetworkConfig struct {
	ChainID                            uint64 `json:"chainId" mapstructure:"chain-id" validate:"required"`
	GatewayChainID                     uint64 `json:"gatewayChainId" mapstructure:"gateway-chain-id" validate:"required"`
	ACLContractAddress                 string `json:"aclContractAddress" mapstructure:"acl-contract-address" validate:"required,eth_addr"`
	KMSContractAddress                 string `json:"kmsContractAddress" mapstructure:"kms-contract-address" validate:"required,eth_addr"`
	InputVerifierContractAddress       string `json:"inputVerifierContractAddress" mapstructure:"input-verifier-contract-address" validate:"required,eth_addr"`
	VerifyingContractDecryption        string `json:"verifyingContractAddressDecryption" mapstructure:"verifying-contract-decryption" validate:"required,eth_addr"`
	VerifyingContractInputVerification string `json:"verifyingContractAddressInputVerification" mapstructure:"verifying-contract-input-verification" validate:"required,eth_addr"`
	RelayerURL                         string `json:"relayerUrl" mapstructure:"relayer-url" validate:"required,url"`
}

func (n NetworkConfig) ACL() common.Address {
	return common.HexToAddress(n.ACLContractAddress)
}

func (n NetworkConfig) DecryptionVerifier() common.Address {
	return common.HexToAddress(n.VerifyingContractDecryption)
}

func (n NetworkConfig) InputVerificationVerifier() common.Address {
	return common.HexToAddress(n.VerifyingContractInputVerification)
}

const (
	HardhatChainID = uint64(31337)
	SepoliaChainID = uint64(11155111)

	// GatewayChainID is the chain id of the decryption gateway signing domain.
	GatewayChainID = uint64(55815)
)

// Verifying contracts of the simulator's signing domains.
var (
	SimulationDecryptionVerifier        = common.HexToAddress("0x5ffdaAB0373E62E2ea2944776209aEf29E631A64")
	SimulationInputVerificationVerifier = common.HexToAddress("0x812b06e1CDCE800494b79fFE4f925A504a9A9810")
)

// SepoliaNetwork is the relayer configuration of the Sepolia testnet deployment.
var SepoliaNetwork = NetworkConfig{
	ChainID:                            SepoliaChainID,
	GatewayChainID:                     GatewayChainID,
	ACLContractAddress:                 "0x687820221192C5B662b25367F70076A37bc79b6c",
	KMSContractAddress:                 "0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC",
	InputVerifierContractAddress:       "0xbc91f3daD1A5F19F8390c400196e58073B6a0BC4",
	VerifyingContractDecryption:        "0xb6E160B1ff80D67Bfe90A85eE06Ce0A2613607D1",
	VerifyingContractInputVerification: "0x7048C39f048125eDa9d678AEbaDfB22F7900a29F",
	RelayerURL:                         "https://relayer.testnet.zama.cloud",
}
