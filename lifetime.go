package offline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Lifetime tracks the asynchronous work an event handler registered with
// WaitUntil.
//
// A Lifetime accepts extensions while its handler is running and while any
// earlier extension is still pending. Once both have ended it is settled and
// further extensions fail with ErrLifetimeEnded.
type Lifetime struct {
	ctx context.Context
	g   *errgroup.Group

	mu          sync.Mutex
	dispatching bool
	pending     int
}

func newLifetime(ctx context.Context) *Lifetime {
	g, gctx := errgroup.WithContext(ctx)
	return &Lifetime{ctx: gctx, g: g, dispatching: true}
}

// Extend runs fn in its own goroutine and holds the lifetime open until it returns.
func (l *Lifetime) Extend(fn func(context.Context) error) error {
	l.mu.Lock()
	if !l.dispatching && l.pending == 0 {
		l.mu.Unlock()
		return ErrLifetimeEnded
	}
	l.pending++
	l.mu.Unlock()

	l.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
			l.mu.Lock()
			l.pending--
			l.mu.Unlock()
		}()
		return fn(l.ctx)
	})
	return nil
}

// endDispatch records that the handler itself has returned.
func (l *Lifetime) endDispatch() {
	l.mu.Lock()
	l.dispatching = false
	l.mu.Unlock()
}

// Wait blocks until every extension has returned and reports the first error.
func (l *Lifetime) Wait() error {
	return l.g.Wait()
}
