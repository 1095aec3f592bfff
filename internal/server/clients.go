package server

import (
	"net"
	"sync"

	"github.com/kstaniek/go-mysensors-gateway/internal/queue"
)

// clientSet tracks connected relay clients by their queue subscriber.
type clientSet struct {
	mu    sync.RWMutex
	conns map[*queue.Subscriber]net.Conn
	max   int
}

func newClientSet(max int) *clientSet {
	return &clientSet{conns: make(map[*queue.Subscriber]net.Conn), max: max}
}

// reserve admits conn unless the limit is reached. The check and insert
// happen under one lock so concurrent accepts cannot overshoot.
func (cs *clientSet) reserve(sub *queue.Subscriber, conn net.Conn) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.max > 0 && len(cs.conns) >= cs.max {
		return false
	}
	cs.conns[sub] = conn
	return true
}

func (cs *clientSet) full() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.max > 0 && len(cs.conns) >= cs.max
}

// release forgets sub and reports whether it was still registered.
func (cs *clientSet) release(sub *queue.Subscriber) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.conns[sub]
	delete(cs.conns, sub)
	return ok
}

func (cs *clientSet) len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns)
}

// closeAll closes every connection and subscriber; IO goroutines then exit
// and release their entries.
func (cs *clientSet) closeAll() {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for sub, conn := range cs.conns {
		_ = conn.Close()
		sub.Close()
	}
}
