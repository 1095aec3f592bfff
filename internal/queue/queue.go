package queue

import (
	"errors"
	"sync"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("raw message queue closed")

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Subscriber receives every message put on the queue after it was added.
type Subscriber struct {
	Out       chan message.Raw
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewSubscriber allocates a subscriber with an Out buffer of n messages.
func NewSubscriber(n int) *Subscriber {
	if n <= 0 {
		n = 1
	}
	return &Subscriber{Out: make(chan message.Raw, n), Closed: make(chan struct{})}
}

// Close signals the subscriber is closed (idempotent).
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.Closed)
	})
}

// Queue fans raw messages out to subscribers. Put never blocks, so any number
// of framers may submit concurrently.
type Queue struct {
	mu         sync.RWMutex
	subs       map[*Subscriber]struct{}
	closed     bool
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Queue with default settings.
func New() *Queue { return &Queue{subs: make(map[*Subscriber]struct{})} }

// Subscribe creates and registers a subscriber sized from OutBufSize.
func (q *Queue) Subscribe() *Subscriber {
	n := q.OutBufSize
	if n <= 0 {
		n = 512
	}
	s := NewSubscriber(n)
	q.Add(s)
	return s
}

// Add registers a subscriber with the queue. Adding to a closed queue closes s.
func (q *Queue) Add(s *Subscriber) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		s.Close()
		return
	}
	prev := len(q.subs)
	q.subs[s] = struct{}{}
	cur := len(q.subs)
	q.mu.Unlock()
	metrics.SetSubscribers(cur)
	if prev == 0 && cur == 1 {
		logging.L().Info("queue_first_subscriber")
	}
}

// Remove unregisters a subscriber and updates metrics; safe to call multiple times.
func (q *Queue) Remove(s *Subscriber) {
	q.mu.Lock()
	_, existed := q.subs[s]
	if existed {
		delete(q.subs, s)
	}
	cur := len(q.subs)
	q.mu.Unlock()
	s.Close()
	metrics.SetSubscribers(cur)
	if existed && cur == 0 {
		logging.L().Info("queue_last_subscriber_gone")
	}
}

// Put delivers msg to all subscribers honoring the backpressure policy.
func (q *Queue) Put(msg message.Raw) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	for s := range q.subs {
		select {
		case s.Out <- msg:
		default:
			if q.Policy == PolicyKick {
				metrics.IncQueueKick()
				s.Close() // owner removes it once it notices
			} else {
				metrics.IncQueueDrop()
			}
		}
	}
	q.mu.RUnlock()
	return nil
}

// Snapshot returns a slice copy of current subscribers (read-only use).
func (q *Queue) Snapshot() []*Subscriber {
	q.mu.RLock()
	subs := make([]*Subscriber, 0, len(q.subs))
	for s := range q.subs {
		subs = append(subs, s)
	}
	q.mu.RUnlock()
	return subs
}

// Count returns the number of active subscribers.
func (q *Queue) Count() int { q.mu.RLock(); n := len(q.subs); q.mu.RUnlock(); return n }

// Close rejects further puts and closes every subscriber.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.subs = make(map[*Subscriber]struct{})
	q.mu.Unlock()
	for s := range subs {
		s.Close()
	}
	metrics.SetSubscribers(0)
}
