package concurrency

import (
	"context"
	"errors"
	"sync"
)

var ErrBusy = errors.New("a transfer is already in progress")

// ConcurrencyGuard allows at most one task to run at a time. A second caller
// is rejected with ErrBusy rather than queued.
type ConcurrencyGuard struct {
	mu     sync.Mutex
	isBusy bool
}

func NewConcurrencyGuard() *ConcurrencyGuard {
	return &ConcurrencyGuard{}
}

func (g *ConcurrencyGuard) Execute(task func() error) error {
	return g.ExecuteWithContext(context.Background(), func(context.Context) error {
		return task()
	})
}

func (g *ConcurrencyGuard) ExecuteWithContext(ctx context.Context, task func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if g.isBusy {
		g.mu.Unlock()
		return ErrBusy
	}
	g.isBusy = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.isBusy = false
		g.mu.Unlock()
	}()
	return task(ctx)
}
