package mapper

import (
	"context"
	"sync"
)

// deferred is a one-shot promise: it is fulfilled exactly once, either by a
// value (the CDP event handler that satisfies it) or by cancellation (a
// state transition — document change, context destruction — that
// invalidates the wait). It is the portable substitute for the source's
// Deferred utility, grounded on chromedp's WaitEventLoad/ResetEventLoad
// channel-based gating of browser.go's navigation waits.
//
// A deferred must not be reused after it is resolved; callers needing a
// fresh wait after a document change install a new deferred rather than
// reset this one.
type deferred struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newDeferred() *deferred {
	return &deferred{done: make(chan struct{})}
}

// resolve fulfills the deferred successfully. Subsequent calls are no-ops.
func (d *deferred) resolve() {
	d.once.Do(func() { close(d.done) })
}

// cancel fulfills the deferred with an error, waking any waiter with a
// failure instead of a value. Subsequent calls (including a later resolve)
// are no-ops.
func (d *deferred) cancel(err error) {
	d.once.Do(func() {
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}

// wait blocks until the deferred is resolved or cancelled, or ctx is done.
func (d *deferred) wait(ctx context.Context) error {
	select {
	case <-d.done:
		d.mu.Lock()
		err := d.err
		d.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
