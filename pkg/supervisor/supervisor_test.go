package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCycleOnlyRefreshesOnlineInvalidServers(t *testing.T) {
	s1 := NewServerState("s1")
	s1.SetOnline(true)
	s2 := NewServerState("s2") // offline, should be skipped

	var calls int32
	sup := New([]*ServerState{s1, s2}, Callbacks{
		Valid: func(server *ServerState) bool {
			atomic.AddInt32(&calls, 1)
			return true
		},
	}, Intervals{})

	sup.runValidCycle()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, s1.Valid())
}

func TestWALStreamingCycleRespectsFollow(t *testing.T) {
	primary := NewServerState("primary")
	follower := NewServerState("follower")

	var started []string
	sup := New([]*ServerState{primary, follower}, Callbacks{
		ShouldStream: func(server *ServerState) bool {
			if server.Name == "follower" {
				return primary.Streaming()
			}
			return true
		},
		StartStreaming: func(server *ServerState) {
			started = append(started, server.Name)
			server.SetStreaming(true)
		},
	}, Intervals{})

	sup.runWALStreamingCycle()
	// Servers are visited in map order, so the follower may also start in
	// this cycle, but never before the primary it follows.
	require.NotEmpty(t, started)
	assert.Equal(t, "primary", started[0])

	sup.runWALStreamingCycle()
	assert.ElementsMatch(t, []string{"primary", "follower"}, started)
}

func TestPeriodicsFireAndStop(t *testing.T) {
	s1 := NewServerState("s1")
	s1.SetOnline(true)

	fired := make(chan struct{}, 8)
	sup := New([]*ServerState{s1}, Callbacks{
		Valid: func(server *ServerState) bool {
			fired <- struct{}{}
			return false // stays invalid so every tick calls Valid again
		},
	}, Intervals{Valid: 10 * time.Millisecond, WALStreaming: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("valid_cb never fired")
	}
}

// TestRepositoryLockScenarioS5 is §8 scenario S5: two backup requests 10ms
// apart for the same server; the first succeeds, the second is rejected
// with BACKUP_ACTIVE.
func TestRepositoryLockScenarioS5(t *testing.T) {
	dir := t.TempDir()
	state := NewServerState("s1")
	lock := NewRepositoryLock(state, dir)

	release, err := lock.Acquire(OpBackup)
	require.NoError(t, err)

	_, err = lock.Acquire(OpBackup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(OpBackup))

	release()

	release2, err := lock.Acquire(OpBackup)
	require.NoError(t, err)
	release2()
}

func TestWorkerPoolOutcomeFalseOnFailure(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4)
	pool.Submit(func(ctx context.Context) error { return nil })
	pool.Submit(func(ctx context.Context) error { return assert.AnError })
	pool.Submit(func(ctx context.Context) error { return nil })

	assert.False(t, pool.Wait())
}

func TestWorkerPoolOutcomeTrueWhenAllSucceed(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 0) // inline execution
	for i := 0; i < 5; i++ {
		pool.Submit(func(ctx context.Context) error { return nil })
	}
	assert.True(t, pool.Wait())
}
