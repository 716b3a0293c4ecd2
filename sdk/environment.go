package sdk

import "sync"

// Environment is the process-wide slot holding the loaded relayer SDK, the
// pending-fetch markers and the one-time initialization flag.
type Environment interface {
	// Lookup returns the installed SDK, if any.
	Lookup() (RelayerSDK, bool)
	Install(sdk RelayerSDK)

	// BeginFetch atomically checks for a pending marker for url and places
	// one if absent. It returns false when another caller already holds it.
	BeginFetch(url string) bool
	EndFetch(url string)
	FetchPending(url string) bool

	Initialized() bool
	MarkInitialized()
}

// MemoryEnvironment is an in-process Environment.
type MemoryEnvironment struct {
	mu          sync.Mutex
	sdk         RelayerSDK
	pending     map[string]struct{}
	initialized bool
}

var _ Environment = (*MemoryEnvironment)(nil)

func NewEnvironment() *MemoryEnvironment {
	return &MemoryEnvironment{pending: make(map[string]struct{})}
}

var (
	globalOnce sync.Once
	globalEnv  *MemoryEnvironment
)

// GlobalEnvironment returns the single environment shared by every loader
// in the process.
func GlobalEnvironment() Environment {
	globalOnce.Do(func() {
		globalEnv = NewEnvironment()
	})
	return globalEnv
}

func (e *MemoryEnvironment) Lookup() (RelayerSDK, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sdk, e.sdk != nil
}

func (e *MemoryEnvironment) Install(sdk RelayerSDK) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sdk = sdk
	e.initialized = false
}

func (e *MemoryEnvironment) BeginFetch(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[url]; ok {
		return false
	}
	e.pending[url] = struct{}{}
	return true
}

func (e *MemoryEnvironment) EndFetch(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, url)
}

func (e *MemoryEnvironment) FetchPending(url string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[url]
	return ok
}

func (e *MemoryEnvironment) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sdk != nil && e.initialized
}

func (e *MemoryEnvironment) MarkInitialized() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
}
