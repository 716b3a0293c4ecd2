// Package metrics records lifecycle counters and latencies.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Counter names.
const (
	RuntimeCreated   = "runtime_created"
	RuntimeFailed    = "runtime_failed"
	RuntimeCancelled = "runtime_cancelled"
	GrantReused      = "grant_reused"
	GrantSigned      = "grant_signed"
	GrantEvicted     = "grant_evicted"
	PubKeyCacheHit   = "pubkey_cache_hit"
	PubKeyCacheMiss  = "pubkey_cache_miss"
	SDKFetched       = "sdk_fetched"
)

// Latency names.
const (
	CreateRuntimeLatency   = "create_runtime"
	SigningCeremonyLatency = "signing_ceremony"
	UserDecryptLatency     = "user_decrypt"
	SDKLoadLatency         = "sdk_load"
)

// NoopRecorder discards everything. It is the default for every component.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
