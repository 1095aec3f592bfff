package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrAsyncTxClosed = errors.New("async tx closed")

// Hooks observe the outcome of each queued item.
type Hooks struct {
	// OnError runs when send fails; the item is lost.
	OnError func(error)
	// OnAfter runs after each successful send.
	OnAfter func()
	// OnDrop runs when the queue is full and its error is returned from
	// Send. A nil OnDrop drops silently.
	OnDrop func() error
}

// Stats counts items by outcome.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// AsyncTx serializes writes from many producers onto one worker goroutine.
// Send never blocks the producer: a full queue drops the item. Close drains
// what is already queued unless the parent context is done.
type AsyncTx[T any] struct {
	parent context.Context
	send   func(T) error
	hooks  Hooks

	mu     sync.Mutex // guards items against close while enqueuing
	items  chan T
	closed atomic.Bool
	done   chan struct{}

	sent, failed, dropped atomic.Uint64
}

// NewAsyncTx starts the worker with room for buf queued items.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks) *AsyncTx[T] {
	a := &AsyncTx[T]{
		parent: parent,
		send:   send,
		hooks:  hooks,
		items:  make(chan T, buf),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncTx[T]) run() {
	defer close(a.done)
	for {
		select {
		case item, ok := <-a.items:
			if !ok {
				return
			}
			a.deliver(item)
		case <-a.parent.Done():
			return
		}
	}
}

func (a *AsyncTx[T]) deliver(item T) {
	if err := a.send(item); err != nil {
		a.failed.Add(1)
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	a.sent.Add(1)
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// Send queues item; on a full queue it returns the OnDrop error.
func (a *AsyncTx[T]) Send(item T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.items <- item:
		return nil
	default:
	}
	a.dropped.Add(1)
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// Len returns the number of queued items not yet handed to send.
func (a *AsyncTx[T]) Len() int { return len(a.items) }

func (a *AsyncTx[T]) Stats() Stats {
	return Stats{Sent: a.sent.Load(), Failed: a.failed.Load(), Dropped: a.dropped.Load()}
}

// Close rejects further sends and waits for the worker to finish the queue.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		<-a.done
		return
	}
	a.mu.Lock()
	close(a.items)
	a.mu.Unlock()
	<-a.done
}
