package fhevm

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zenchain/fhevm/logger"
	"github.com/zenchain/fhevm/types"
)

// RuntimeCreator builds a runtime for a connection. *runtime.Factory
// satisfies it.
type RuntimeCreator interface {
	CreateRuntime(ctx context.Context, conn types.Connection, status types.StatusFunc) (types.Runtime, error)
}

// identity is the chain a session's runtime belongs to.
type identity struct {
	conn    string
	chainID uint64
}

// Session owns at most one runtime at a time. Starting it for a different
// chain identity cancels the attempt in flight and discards the previous
// runtime; results of superseded attempts are dropped.
type Session struct {
	id      string
	creator RuntimeCreator
	logger  logger.Logger

	mu      sync.Mutex
	gen     uint64
	current identity
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}
	rt      types.Runtime
	status  types.RuntimeStatus
	err     error
	subs    map[chan types.RuntimeStatus]struct{}
}

func NewSession(creator RuntimeCreator, l logger.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		creator: creator,
		logger:  logger.OrNoop(l).With(map[string]any{"session": id}),
		status:  types.StatusIdle,
		subs:    make(map[chan types.RuntimeStatus]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Start begins creating a runtime for conn on chainID. It is a no-op when an
// attempt for the same identity is running or has succeeded. A chain id of
// zero means the identity is not yet known and always starts a new attempt.
// The attempt ends when ctx is done.
func (s *Session) Start(ctx context.Context, conn types.Connection, chainID uint64) {
	next := identity{conn: conn.String(), chainID: chainID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active && chainID != 0 && next == s.current && s.status != types.StatusError {
		return
	}
	s.resetLocked()

	s.active = true
	s.current = next
	gen := s.gen
	attemptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	s.logger.Info("starting runtime attempt", map[string]any{"conn": next.conn, "chain": chainID, "attempt": gen})
	go s.run(attemptCtx, gen, conn, done)
}

func (s *Session) run(ctx context.Context, gen uint64, conn types.Connection, done chan struct{}) {
	defer close(done)

	rt, err := s.creator.CreateRuntime(ctx, conn, func(st types.RuntimeStatus) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.gen {
			s.publishLocked(st)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		if rt != nil {
			rt.Close()
		}
		s.logger.Debug("dropped superseded runtime attempt", map[string]any{"attempt": gen})
		return
	}

	switch {
	case err == nil:
		s.rt = rt
	case types.IsCancelled(err):
		s.logger.Debug("runtime attempt cancelled", map[string]any{"attempt": gen})
		s.active = false
		s.publishLocked(types.StatusIdle)
	default:
		s.err = err
		if s.status != types.StatusError {
			s.publishLocked(types.StatusError)
		}
		s.logger.Warn("runtime attempt failed", map[string]any{"attempt": gen, "err": err})
	}
}

// Reset cancels any attempt in flight, closes the current runtime and
// returns the session to idle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.active = false
}

func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.rt != nil {
		s.rt.Close()
		s.rt = nil
	}
	s.gen++
	s.err = nil
	s.current = identity{}
	s.publishLocked(types.StatusIdle)
}

func (s *Session) publishLocked(st types.RuntimeStatus) {
	s.status = st
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
			// slow subscribers miss transitions; Status holds the latest
		}
	}
}

// Subscribe returns a channel of status transitions and a function that
// stops delivery.
func (s *Session) Subscribe(buffer int) (<-chan types.RuntimeStatus, func()) {
	ch := make(chan types.RuntimeStatus, buffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Runtime returns the ready runtime, or nil.
func (s *Session) Runtime() types.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

func (s *Session) Status() types.RuntimeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure of the latest attempt. Cancellation is not a
// failure and leaves Err nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the current attempt finishes, following supersession to
// the newest attempt. It returns ErrCancelled when the session was reset or
// the attempt was cancelled.
func (s *Session) Wait(ctx context.Context) (types.Runtime, error) {
	for {
		s.mu.Lock()
		gen, done := s.gen, s.done
		if !s.active || done == nil {
			rt, err := s.rt, s.err
			s.mu.Unlock()
			if rt == nil && err == nil {
				return nil, types.ErrCancelled
			}
			return rt, err
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, types.CheckCancelled(ctx)
		}

		s.mu.Lock()
		if gen == s.gen {
			rt, err := s.rt, s.err
			s.mu.Unlock()
			if rt == nil && err == nil {
				return nil, types.ErrCancelled
			}
			return rt, err
		}
		s.mu.Unlock()
	}
}
