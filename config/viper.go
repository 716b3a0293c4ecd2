// Package config builds a types.Config from flags, environment variables and
// an optional config file.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zenchain/fhevm/types"
)

// AddFlags registers every configuration flag on fs. Flag defaults mirror
// types.DefaultConfig.
func AddFlags(fs *pflag.FlagSet) {
	d := types.DefaultConfig()
	fs.String(ConfigFileKey, "", "Path to a JSON, YAML or TOML config file")
	fs.String(NamespaceKey, d.Namespace, "Storage key namespace")
	fs.StringToString(SimulationChainFlag, nil, "Simulation chain endpoint as chain-id=rpc-url (repeatable)")
	fs.String(SDKURLKey, d.SDKURL, "Relayer SDK distribution URL")
	fs.Int64(GrantDurationDaysKey, d.GrantDurationDays, "Validity of a decryption grant in days")
	fs.Duration(PublicKeyTTLKey, d.PublicKeyTTL, "Freshness window of cached public keys")
	fs.Duration(LoaderPollIntervalKey, d.LoaderPollInterval, "Interval between SDK availability checks")
	fs.Duration(LoaderTimeoutKey, d.LoaderTimeout, "Maximum wait for the SDK to load")
	fs.Bool(CheckACLKey, d.CheckACL, "Check ACL permissions on the simulator before decrypting")
	fs.String(StorageBackendFlag, d.Storage.Backend, "Storage backend: memory, file, sqlite or redis")
	fs.String(StorageDSNFlag, d.Storage.DSN, "Storage location: file path, sqlite DSN or redis URL")
	fs.String(LogLevelKey, d.LogLevel, "Log level: debug, info, warn or error")
	fs.Bool(EnableMetricsKey, d.EnableMetrics, "Register prometheus collectors")
}

// BuildViper binds fs and the ZENCHAIN_ environment to a viper instance and
// reads the config file when one is named.
func BuildViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	// Flags are capitalized, and hyphens and dots are replaced with underscores.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	for key, flag := range map[string]string{StorageBackendKey: StorageBackendFlag, StorageDSNKey: StorageDSNFlag} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", flag, err)
		}
	}

	if filename := v.GetString(ConfigFileKey); filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
	}
	return v, nil
}

// BuildConfig constructs the configuration using Viper.
// The following precedence order is used. Each item takes precedence over the item below it:
//  1. Flags
//  2. Environment variables
//  3. Config file
//  4. Defaults
func BuildConfig(v *viper.Viper) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, types.NewError(types.ErrCodeConfig, err, "failed to unmarshal viper config")
	}

	// Extra simulation chains come from the repeatable flag or, in the
	// environment, a JSON object keyed by chain id.
	for id, url := range v.GetStringMapString(SimulationChainFlag) {
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, types.NewError(types.ErrCodeConfig, err, "invalid simulation chain id %q", id)
		}
		if cfg.SimulationChains == nil {
			cfg.SimulationChains = map[uint64]string{}
		}
		cfg.SimulationChains[chainID] = url
	}
	return cfg, nil
}

// NewConfig builds and validates the configuration.
func NewConfig(v *viper.Viper) (*types.Config, error) {
	cfg, err := BuildConfig(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is BuildViper followed by NewConfig.
func Load(fs *pflag.FlagSet) (*types.Config, error) {
	v, err := BuildViper(fs)
	if err != nil {
		return nil, types.NewError(types.ErrCodeConfig, err, "failed to build configuration")
	}
	return NewConfig(v)
}
