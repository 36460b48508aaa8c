package gpu

import (
	"context"
	"fmt"
	"sync"
)

// Command is a unit of device work. It runs on the queue goroutine.
type Command func() error

// Queue executes submitted commands one at a time, in submission order, on
// its own goroutine. Submission never waits for execution.
type Queue struct {
	mu     sync.Mutex
	closed bool
	cmds   chan Command
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	errMu    sync.Mutex
	firstErr error
}

func newQueue(depth int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cmds:   make(chan Command, depth),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for cmd := range q.cmds {
		if q.ctx.Err() != nil {
			continue
		}
		if err := cmd(); err != nil {
			q.errMu.Lock()
			if q.firstErr == nil {
				q.firstErr = err
			}
			q.errMu.Unlock()
		}
	}
}

// Submit enqueues cmd. It fails with ErrDeviceLost once the queue is closed.
func (q *Queue) Submit(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDeviceLost
	}
	q.cmds <- cmd
	return nil
}

// Signal enqueues a fence signal that fires after all prior commands.
func (q *Queue) Signal(f *Fence, v FenceValue) error {
	return q.Submit(func() error {
		f.Signal(v)
		return nil
	})
}

// Wait enqueues a device-side wait: later commands do not start until the
// fence reaches v. The submitting goroutine is not blocked.
func (q *Queue) Wait(f *Fence, v FenceValue) error {
	return q.Submit(func() error {
		if err := f.Wait(q.ctx, v); err != nil {
			return fmt.Errorf("queue wait for fence value %d: %w", v, err)
		}
		return nil
	})
}

// Flush blocks until every command submitted before it has executed and
// returns the first command error recorded since the previous Flush.
func (q *Queue) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if err := q.Submit(func() error {
		close(marker)
		return nil
	}); err != nil {
		return err
	}

	select {
	case <-marker:
	case <-q.done:
		return ErrDeviceLost
	case <-ctx.Done():
		return ctx.Err()
	}

	q.errMu.Lock()
	err := q.firstErr
	q.firstErr = nil
	q.errMu.Unlock()
	return err
}

// close stops accepting work, abandons pending commands and waits for the
// queue goroutine to exit.
func (q *Queue) close() {
	q.cancel()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.cmds)
	q.mu.Unlock()
	<-q.done
}
