package dbactor

import (
	"sync"
	"testing"
	"time"

	"github.com/ralt/pkgrepo/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callRecorder struct {
	mu    sync.Mutex
	calls []models.RepoArchKey
}

func (r *callRecorder) regenerator(err error) Regenerator {
	return func(key models.RepoArchKey) error {
		r.mu.Lock()
		r.calls = append(r.calls, key)
		r.mu.Unlock()
		return err
	}
}

func (r *callRecorder) snapshot() []models.RepoArchKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RepoArchKey, len(r.calls))
	copy(out, r.calls)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func TestRequestUpdateDebouncesRapidRequests(t *testing.T) {
	rec := &callRecorder{}
	actor, handle := NewWithDebounce(rec.regenerator(nil), 50*time.Millisecond)
	go actor.Run()
	defer func() {
		handle.Shutdown()
		<-actor.Done()
	}()

	handle.RequestUpdate("main", "x86_64")
	handle.RequestUpdate("main", "x86_64")
	handle.RequestUpdate("main", "x86_64")

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) >= 1 })
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, rec.snapshot(), 1)
}

func TestForceRebuildBypassesDebounce(t *testing.T) {
	rec := &callRecorder{}
	actor, handle := NewWithDebounce(rec.regenerator(nil), time.Hour)
	go actor.Run()
	defer func() {
		handle.Shutdown()
		<-actor.Done()
	}()

	handle.ForceRebuild("main", "x86_64")

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	assert.Equal(t, models.RepoArchKey{Repo: "main", Arch: "x86_64"}, rec.snapshot()[0])
}

func TestShutdownFlushesPendingUpdates(t *testing.T) {
	rec := &callRecorder{}
	actor, handle := NewWithDebounce(rec.regenerator(nil), time.Hour)
	go actor.Run()

	handle.RequestUpdate("main", "x86_64")
	handle.RequestUpdate("testing", "aarch64")
	handle.Shutdown()

	select {
	case <-actor.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not shut down in time")
	}

	require.Len(t, rec.snapshot(), 2)
}

func TestDistinctKeysDebounceIndependently(t *testing.T) {
	rec := &callRecorder{}
	actor, handle := NewWithDebounce(rec.regenerator(nil), 50*time.Millisecond)
	go actor.Run()
	defer func() {
		handle.Shutdown()
		<-actor.Done()
	}()

	handle.RequestUpdate("main", "x86_64")
	handle.RequestUpdate("testing", "x86_64")

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) >= 2 })

	keys := rec.snapshot()
	assert.Contains(t, keys, models.RepoArchKey{Repo: "main", Arch: "x86_64"})
	assert.Contains(t, keys, models.RepoArchKey{Repo: "testing", Arch: "x86_64"})
}

func TestRegenerateFailureDoesNotCrashActor(t *testing.T) {
	rec := &callRecorder{}
	actor, handle := NewWithDebounce(rec.regenerator(assert.AnError), 20*time.Millisecond)
	go actor.Run()
	defer func() {
		handle.Shutdown()
		<-actor.Done()
	}()

	handle.RequestUpdate("main", "x86_64")
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) >= 1 })

	handle.ForceRebuild("main", "x86_64")
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) >= 2 })
}
