// Package dbactor serializes and debounces repository database
// regeneration behind a single goroutine, so concurrent uploads and
// deletes for the same repo/arch coalesce into one dbgen.Generate call
// instead of racing each other (spec.md section 4.7).
package dbactor

import (
	"time"

	"github.com/ralt/pkgrepo/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the actor waits after the last request
// for a key before regenerating that key's database.
const DefaultDebounce = 10 * time.Second

// channelCapacity bounds the request channel; when it is full, further
// messages are dropped and logged rather than blocking the caller.
const channelCapacity = 100

const (
	minTimeout = 100 * time.Millisecond
	maxTimeout = time.Hour
)

type messageKind int

const (
	kindRequestUpdate messageKind = iota
	kindForceRebuild
	kindShutdown
)

type message struct {
	kind messageKind
	key  models.RepoArchKey
}

// Regenerator performs the actual database rebuild for one repo/arch.
// dbgen.Generate (wrapped with the package listing it needs) satisfies
// this in the wiring layer.
type Regenerator func(key models.RepoArchKey) error

// Handle is the actor's public, concurrency-safe entry point.
type Handle struct {
	ch chan message
}

// RequestUpdate enqueues a debounced update for key. Fire-and-forget:
// if the actor's channel is full the request is dropped and logged. A
// dropped request is not retried; the key is regenerated only once a
// later request for it is accepted.
func (h Handle) RequestUpdate(repo, arch string) {
	h.send(message{kind: kindRequestUpdate, key: models.RepoArchKey{Repo: repo, Arch: arch}})
}

// ForceRebuild enqueues an immediate rebuild for key, bypassing the
// debounce window.
func (h Handle) ForceRebuild(repo, arch string) {
	h.send(message{kind: kindForceRebuild, key: models.RepoArchKey{Repo: repo, Arch: arch}})
}

// Shutdown asks the actor to flush every pending update and stop.
func (h Handle) Shutdown() {
	h.send(message{kind: kindShutdown})
}

func (h Handle) send(msg message) {
	select {
	case h.ch <- msg:
	default:
		logrus.WithField("kind", msg.kind).Warn("dbactor: channel full, dropping request")
	}
}

type pendingUpdate struct {
	firstRequested time.Time
	lastRequested  time.Time
}

// Actor runs the single-writer update loop. Construct with New and run
// Run in its own goroutine.
type Actor struct {
	ch          chan message
	regenerate  Regenerator
	pending     map[models.RepoArchKey]pendingUpdate
	debounce    time.Duration
	done        chan struct{}
}

// New builds an Actor and the Handle callers use to talk to it, with
// the default 10-second debounce.
func New(regenerate Regenerator) (*Actor, Handle) {
	return NewWithDebounce(regenerate, DefaultDebounce)
}

// NewWithDebounce is New with an explicit debounce window, useful in
// tests that don't want to wait out the real default.
func NewWithDebounce(regenerate Regenerator, debounce time.Duration) (*Actor, Handle) {
	ch := make(chan message, channelCapacity)
	a := &Actor{
		ch:         ch,
		regenerate: regenerate,
		pending:    make(map[models.RepoArchKey]pendingUpdate),
		debounce:   debounce,
		done:       make(chan struct{}),
	}
	return a, Handle{ch: ch}
}

// Run is the actor's main loop. It returns once it has processed a
// Shutdown message and flushed every pending update - callers should
// run it in its own goroutine and wait on Done if they need to know
// when shutdown has finished draining.
func (a *Actor) Run() {
	logrus.WithField("debounce", a.debounce).Info("dbactor: update actor started")
	defer close(a.done)

	timer := time.NewTimer(a.nextTimeout())
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-a.ch:
			if !ok {
				a.flushAllPending()
				logrus.Info("dbactor: channel closed, stopping")
				return
			}
			switch msg.kind {
			case kindRequestUpdate:
				a.handleRequest(msg.key)
			case kindForceRebuild:
				a.handleForceRebuild(msg.key)
			case kindShutdown:
				logrus.Info("dbactor: received shutdown signal")
				a.flushAllPending()
				return
			}
			resetTimer(timer, a.nextTimeout())

		case <-timer.C:
			a.processReadyUpdates()
			resetTimer(timer, a.nextTimeout())
		}
	}
}

// Done is closed once Run has returned.
func (a *Actor) Done() <-chan struct{} { return a.done }

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (a *Actor) handleRequest(key models.RepoArchKey) {
	now := time.Now()
	if p, ok := a.pending[key]; ok {
		p.lastRequested = now
		a.pending[key] = p
		logrus.WithField("repo", key.Repo).WithField("arch", key.Arch).Debug("dbactor: coalesced update request")
		return
	}
	a.pending[key] = pendingUpdate{firstRequested: now, lastRequested: now}
	logrus.WithField("repo", key.Repo).WithField("arch", key.Arch).Debug("dbactor: new update request queued")
}

func (a *Actor) handleForceRebuild(key models.RepoArchKey) {
	delete(a.pending, key)
	logrus.WithField("repo", key.Repo).WithField("arch", key.Arch).Info("dbactor: force rebuilding database")
	a.regenerateDB(key)
}

// nextTimeout picks how long to sleep until the next pending update
// becomes ready, clamped to [minTimeout, maxTimeout] so the loop never
// busy-spins and never sleeps indefinitely past a long-idle period.
func (a *Actor) nextTimeout() time.Duration {
	if len(a.pending) == 0 {
		return maxTimeout
	}
	now := time.Now()
	best := maxTimeout
	for _, p := range a.pending {
		readyAt := p.lastRequested.Add(a.debounce)
		remaining := readyAt.Sub(now)
		if remaining < best {
			best = remaining
		}
	}
	if best < minTimeout {
		best = minTimeout
	}
	return best
}

func (a *Actor) processReadyUpdates() {
	now := time.Now()
	var ready []models.RepoArchKey
	for key, p := range a.pending {
		if now.Sub(p.lastRequested) >= a.debounce {
			ready = append(ready, key)
		}
	}
	for _, key := range ready {
		p, ok := a.pending[key]
		if !ok {
			continue
		}
		delete(a.pending, key)
		logrus.WithField("repo", key.Repo).WithField("arch", key.Arch).
			WithField("wait", now.Sub(p.firstRequested)).Info("dbactor: processing database update")
		a.regenerateDB(key)
	}
}

func (a *Actor) flushAllPending() {
	for key := range a.pending {
		delete(a.pending, key)
		logrus.WithField("repo", key.Repo).WithField("arch", key.Arch).Info("dbactor: flushing pending update during shutdown")
		a.regenerateDB(key)
	}
}

func (a *Actor) regenerateDB(key models.RepoArchKey) {
	if err := a.regenerate(key); err != nil {
		logrus.WithError(err).WithField("repo", key.Repo).WithField("arch", key.Arch).
			Error("dbactor: failed to regenerate repository database")
		return
	}
	logrus.WithField("repo", key.Repo).WithField("arch", key.Arch).Info("dbactor: repository database regenerated successfully")
}
