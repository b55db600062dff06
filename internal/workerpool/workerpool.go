// Package workerpool bounds how many CPU-heavy jobs (zstd decode, gzip
// encode, whole-archive SHA-256) run at once, so a burst of uploads
// cannot starve the goroutines handling unrelated request I/O. The
// semaphore-channel shape follows
// google-oss-rebuild/pkg/build/local/build_executor.go's
// DockerBuildExecutor, generalized from bounding concurrent docker
// builds to bounding concurrent CPU-bound jobs.
package workerpool

import "context"

// Pool limits how many submitted jobs run concurrently.
type Pool struct {
	sem chan struct{}
}

// New returns a Pool that runs at most maxParallel jobs at once.
// maxParallel <= 0 is treated as 1.
func New(maxParallel int) *Pool {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Pool{sem: make(chan struct{}, maxParallel)}
}

// Run executes fn on a pool goroutine and blocks until it returns,
// acquiring a slot first. It returns ctx.Err() without running fn if
// ctx is already cancelled or is cancelled while waiting for a slot. If
// ctx is cancelled while fn is running, Run returns ctx.Err() at once
// and releases the slot; fn keeps running in the background.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
