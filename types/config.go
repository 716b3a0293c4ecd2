package types

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct tag validation on v.
func Validate(v any) error {
	return validate.Struct(v)
}

// Defaults
const (
	DefaultNamespace          = "zenchain"
	DefaultGrantDurationDays  = 7
	DefaultPublicKeyTTL       = 7 * 24 * time.Hour
	DefaultLoaderPollInterval = 100 * time.Millisecond
	DefaultLoaderTimeout      = 30 * time.Second
	DefaultPublicParamsBits   = 2048
)

// DefaultSimulationChains maps simulation chain ids to their RPC endpoint.
func DefaultSimulationChains() map[uint64]string {
	return map[uint64]string{HardhatChainID: "http://localhost:8545"}
}

// StorageConfig selects the key-value backend for caches and the simulator ledger.
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend" validate:"oneof=memory file sqlite redis"`
	DSN     string `json:"dsn" mapstructure:"dsn" validate:"required_unless=Backend memory"`
}

// Config contains global configuration for the fhevm client.
type Config struct {
	Namespace        string            `json:"namespace" mapstructure:"namespace" validate:"required"`
	SimulationChains map[uint64]string `json:"simulationChains" mapstructure:"simulation-chains" validate:"dive,url"`
	// SDKURL locates a WASM engine build that speaks the JSON stdin/stdout
	// protocol of sdk.WasmEngine. It has no default; relayer runtimes fail
	// with CONFIG_ERROR until it is set.
	SDKURL             string                   `json:"sdkUrl" mapstructure:"sdk-url" validate:"omitempty,url"`
	Networks           map[uint64]NetworkConfig `json:"networks" mapstructure:"networks" validate:"dive"`
	GrantDurationDays  int64                    `json:"grantDurationDays" mapstructure:"grant-duration-days" validate:"gt=0,lte=365"`
	PublicKeyTTL       time.Duration            `json:"publicKeyTTL" mapstructure:"public-key-ttl" validate:"gt=0"`
	LoaderPollInterval time.Duration            `json:"loaderPollInterval" mapstructure:"loader-poll-interval" validate:"gt=0"`
	LoaderTimeout      time.Duration            `json:"loaderTimeout" mapstructure:"loader-timeout" validate:"gtfield=LoaderPollInterval"`
	CheckACL           bool                     `json:"checkACL" mapstructure:"check-acl"`
	Storage            StorageConfig            `json:"storage" mapstructure:"storage"`
	LogLevel           string                   `json:"logLevel" mapstructure:"log-level" validate:"oneof=debug info warn error"`
	EnableMetrics      bool                     `json:"enableMetrics" mapstructure:"enable-metrics"`
}

// DefaultConfig returns a configuration usable against a local simulator and Sepolia.
func DefaultConfig() *Config {
	return &Config{
		Namespace:          DefaultNamespace,
		SimulationChains:   DefaultSimulationChains(),
		Networks:           map[uint64]NetworkConfig{SepoliaChainID: SepoliaNetwork},
		GrantDurationDays:  DefaultGrantDurationDays,
		PublicKeyTTL:       DefaultPublicKeyTTL,
		LoaderPollInterval: DefaultLoaderPollInterval,
		LoaderTimeout:      DefaultLoaderTimeout,
		Storage:            StorageConfig{Backend: "memory"},
		LogLevel:           "info",
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewError(ErrCodeConfig, err, "invalid configuration")
	}
	for id, n := range c.Networks {
		if n.ChainID != id {
			return NewError(ErrCodeConfig, nil, "network %d declares chain id %d", id, n.ChainID)
		}
	}
	return nil
}

// Network returns the relayer configuration for chainID.
func (c *Config) Network(chainID uint64) (NetworkConfig, error) {
	n, ok := c.Networks[chainID]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("no relayer network configured for chain %d", chainID)
	}
	return n, nil
}
