package dispatch

import (
	"context"
	"sync"
)

// Event is the completion signal of a job: it's set exactly once, with the job's error (nil on success),
// and any number of goroutines can wait on it.
type Event struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewEvent creates an Event that is not yet complete.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// NotifyComplete sets the event as complete with err, and wakes up all waiters.
// Only the first call has an effect: it returns true for that call, and false for the later ones.
func (e *Event) NotifyComplete(err error) (first bool) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
		first = true
	})
	return
}

// Done returns a channel that is closed when the event completes.
func (e *Event) Done() <-chan struct{} {
	return e.done
}

// IsComplete returns whether the event is complete, without blocking.
func (e *Event) IsComplete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event completes and returns the job's error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// WaitContext is like Wait, but it returns ctx.Err() if ctx is done first. The job itself is not
// cancelled: it can be waited on again.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
