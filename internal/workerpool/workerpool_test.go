package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExecutesAndReturnsResult(t *testing.T) {
	pool := New(2)
	var ran int32
	err := pool.Run(context.Background(), func() error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ran)
}

func TestRunPropagatesJobError(t *testing.T) {
	pool := New(1)
	err := pool.Run(context.Background(), func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRunBoundsConcurrency(t *testing.T) {
	pool := New(1)
	var concurrent int32
	var maxSeen int32

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = pool.Run(context.Background(), func() error {
			n := atomic.AddInt32(&concurrent, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			close(started)
			<-release
			atomic.AddInt32(&concurrent, -1)
			return nil
		})
	}()

	<-started
	done := make(chan struct{})
	go func() {
		_ = pool.Run(context.Background(), func() error {
			n := atomic.AddInt32(&concurrent, 1)
			if n > atomic.LoadInt32(&maxSeen) {
				atomic.StoreInt32(&maxSeen, n)
			}
			atomic.AddInt32(&concurrent, -1)
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second job ran before the first released its slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second job never ran after slot freed")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestRunRespectsCancelledContext(t *testing.T) {
	pool := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ranAfterCancel := false
	err := pool.Run(ctx, func() error {
		ranAfterCancel = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, ranAfterCancel)
}
