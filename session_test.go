package fhevm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zenchain/fhevm/types"
)

type closingRuntime struct {
	types.Runtime
	chain  uint64
	closed atomic.Bool
}

func (r *closingRuntime) ChainID() uint64 { return r.chain }

func (r *closingRuntime) Close() error {
	r.closed.Store(true)
	return nil
}

type creatorFunc func(ctx context.Context, conn types.Connection, status types.StatusFunc) (types.Runtime, error)

// countingCreator counts calls and delegates to fn.
type countingCreator struct {
	calls atomic.Int32
	fn    creatorFunc
}

func (c *countingCreator) CreateRuntime(ctx context.Context, conn types.Connection, status types.StatusFunc) (types.Runtime, error) {
	c.calls.Add(1)
	return c.fn(ctx, conn, status)
}

func readyCreator(chain uint64) *countingCreator {
	return &countingCreator{fn: func(_ context.Context, _ types.Connection, status types.StatusFunc) (types.Runtime, error) {
		status(types.StatusCreating)
		status(types.StatusReady)
		return &closingRuntime{chain: chain}, nil
	}}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSessionReady(t *testing.T) {
	creator := readyCreator(types.HardhatChainID)
	s := NewSession(creator, nil)
	require.NotEmpty(t, s.ID())

	statuses, stop := s.Subscribe(8)
	defer stop()

	s.Start(context.Background(), types.Connection{URL: "http://localhost:8545"}, types.HardhatChainID)
	rt, err := s.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, types.HardhatChainID, rt.ChainID())
	require.Equal(t, rt, s.Runtime())
	require.Equal(t, types.StatusReady, s.Status())
	require.NoError(t, s.Err())

	var seen []types.RuntimeStatus
	for len(seen) < 3 {
		seen = append(seen, <-statuses)
	}
	require.Equal(t, []types.RuntimeStatus{types.StatusIdle, types.StatusCreating, types.StatusReady}, seen)
}

func TestSessionMemoizesIdentity(t *testing.T) {
	creator := readyCreator(types.HardhatChainID)
	s := NewSession(creator, nil)
	conn := types.Connection{URL: "http://localhost:8545"}

	s.Start(context.Background(), conn, types.HardhatChainID)
	first, err := s.Wait(waitCtx(t))
	require.NoError(t, err)

	s.Start(context.Background(), conn, types.HardhatChainID)
	second, err := s.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int32(1), creator.calls.Load())
}

func TestSessionSupersedesOtherChain(t *testing.T) {
	gate := make(chan struct{})
	stale := &closingRuntime{chain: types.SepoliaChainID}
	creator := &countingCreator{}
	creator.fn = func(_ context.Context, conn types.Connection, status types.StatusFunc) (types.Runtime, error) {
		if conn.URL == "sepolia" {
			status(types.StatusSDKLoading)
			<-gate
			status(types.StatusReady)
			return stale, nil
		}
		status(types.StatusCreating)
		status(types.StatusReady)
		return &closingRuntime{chain: types.HardhatChainID}, nil
	}
	s := NewSession(creator, nil)

	s.Start(context.Background(), types.Connection{URL: "sepolia"}, types.SepoliaChainID)
	require.Eventually(t, func() bool { return s.Status() == types.StatusSDKLoading }, time.Second, time.Millisecond)

	s.Start(context.Background(), types.Connection{URL: "hardhat"}, types.HardhatChainID)
	rt, err := s.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, types.HardhatChainID, rt.ChainID())

	close(gate)
	require.Eventually(t, stale.closed.Load, time.Second, time.Millisecond)
	require.Equal(t, types.HardhatChainID, s.Runtime().ChainID())
	require.Equal(t, types.StatusReady, s.Status())
}

func TestSessionChainChangeClosesPrevious(t *testing.T) {
	s := NewSession(readyCreator(types.HardhatChainID), nil)

	s.Start(context.Background(), types.Connection{URL: "a"}, 1)
	first, err := s.Wait(waitCtx(t))
	require.NoError(t, err)

	s.Start(context.Background(), types.Connection{URL: "a"}, 2)
	_, err = s.Wait(waitCtx(t))
	require.NoError(t, err)
	require.True(t, first.(*closingRuntime).closed.Load())
}

func TestSessionResetCancels(t *testing.T) {
	started := make(chan struct{})
	creator := &countingCreator{fn: func(ctx context.Context, _ types.Connection, status types.StatusFunc) (types.Runtime, error) {
		status(types.StatusSDKLoading)
		close(started)
		<-ctx.Done()
		return nil, types.CheckCancelled(ctx)
	}}
	s := NewSession(creator, nil)

	s.Start(context.Background(), types.Connection{URL: "sepolia"}, types.SepoliaChainID)
	<-started
	s.Reset()

	_, err := s.Wait(waitCtx(t))
	require.True(t, types.IsCancelled(err))
	require.NoError(t, s.Err())
	require.Equal(t, types.StatusIdle, s.Status())
	require.Nil(t, s.Runtime())
}

func TestSessionParentCancellationIsNotAnError(t *testing.T) {
	creator := &countingCreator{fn: func(ctx context.Context, _ types.Connection, _ types.StatusFunc) (types.Runtime, error) {
		<-ctx.Done()
		return nil, types.CheckCancelled(ctx)
	}}
	s := NewSession(creator, nil)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx, types.Connection{URL: "sepolia"}, types.SepoliaChainID)
	cancel()

	_, err := s.Wait(waitCtx(t))
	require.True(t, types.IsCancelled(err))
	require.NoError(t, s.Err())
	require.Equal(t, types.StatusIdle, s.Status())
}

func TestSessionFailureAndRetry(t *testing.T) {
	var mu sync.Mutex
	fail := true
	creator := &countingCreator{fn: func(_ context.Context, _ types.Connection, status types.StatusFunc) (types.Runtime, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			status(types.StatusError)
			return nil, types.NewError(types.ErrCodeLoadTimeout, nil, "relayer sdk did not load")
		}
		status(types.StatusReady)
		return &closingRuntime{chain: types.SepoliaChainID}, nil
	}}
	s := NewSession(creator, nil)
	conn := types.Connection{URL: "sepolia"}

	s.Start(context.Background(), conn, types.SepoliaChainID)
	_, err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, types.ErrLoadTimeout)
	require.ErrorIs(t, s.Err(), types.ErrLoadTimeout)
	require.Equal(t, types.StatusError, s.Status())

	mu.Lock()
	fail = false
	mu.Unlock()

	s.Start(context.Background(), conn, types.SepoliaChainID)
	rt, err := s.Wait(waitCtx(t))
	require.NoError(t, err)
	require.NotNil(t, rt)
	require.Equal(t, int32(2), creator.calls.Load())
}

func TestSessionWaitHonoursContext(t *testing.T) {
	creator := &countingCreator{fn: func(ctx context.Context, _ types.Connection, _ types.StatusFunc) (types.Runtime, error) {
		<-ctx.Done()
		return nil, types.CheckCancelled(ctx)
	}}
	s := NewSession(creator, nil)
	defer s.Reset()

	s.Start(context.Background(), types.Connection{URL: "sepolia"}, types.SepoliaChainID)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Wait(ctx)
	require.True(t, types.IsCancelled(err))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
