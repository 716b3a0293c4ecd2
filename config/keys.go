package config

const (
	// Command line option keys
	ConfigFileKey       = "config-file"
	SimulationChainFlag = "simulation-chain"
	StorageBackendFlag  = "storage-backend"
	StorageDSNFlag      = "storage-dsn"

	// Environment variable prefix, so namespace is read from ZENCHAIN_NAMESPACE.
	EnvPrefix = "ZENCHAIN"

	// Top-level configuration keys
	NamespaceKey          = "namespace"
	SimulationChainsKey   = "simulation-chains"
	SDKURLKey             = "sdk-url"
	GrantDurationDaysKey  = "grant-duration-days"
	PublicKeyTTLKey       = "public-key-ttl"
	LoaderPollIntervalKey = "loader-poll-interval"
	LoaderTimeoutKey      = "loader-timeout"
	CheckACLKey           = "check-acl"
	StorageBackendKey     = "storage.backend"
	StorageDSNKey         = "storage.dsn"
	LogLevelKey           = "log-level"
	EnableMetricsKey      = "enable-metrics"
)
