package httpserver

import (
	"context"
	"sync"
)

// Jobs tracks work handlers start after responding, so shutdown can wait for
// it. Once Wait is called no new work is accepted.
type Jobs struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewJobs() *Jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{ctx: ctx, cancel: cancel}
}

// Go runs fn on its own goroutine and reports whether it was started. The
// context passed to fn is cancelled when Wait gives up.
func (j *Jobs) Go(fn func(ctx context.Context)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		fn(j.ctx)
	}()
	return true
}

// Wait stops accepting work and blocks until running jobs return or ctx
// ends, in which case the jobs are cancelled and ctx's error returned.
func (j *Jobs) Wait(ctx context.Context) error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	defer j.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
