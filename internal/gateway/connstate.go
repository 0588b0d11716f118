package gateway

import (
	"context"
	"sync"
	"time"
)

// connState tracks link liveness and lets callers wait for the next
// "connected" signal. The wait is a race between the signal, a timer, and
// the caller's context; the losing listener and timer are always cleaned up
// so many short-lived requests don't leak.
type connState struct {
	mu        sync.Mutex
	connected bool
	waiters   map[chan struct{}]struct{}
}

func newConnState() *connState {
	return &connState{waiters: make(map[chan struct{}]struct{})}
}

func (s *connState) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *connState) setConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = up
	if !up {
		return
	}
	for ch := range s.waiters {
		close(ch)
		delete(s.waiters, ch)
	}
}

func (s *connState) subscribe() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.connected {
		close(ch)
	} else {
		s.waiters[ch] = struct{}{}
	}
	s.mu.Unlock()
	return ch
}

func (s *connState) unsubscribe(ch chan struct{}) {
	s.mu.Lock()
	delete(s.waiters, ch)
	s.mu.Unlock()
}

func (s *connState) await(ctx context.Context, timeout time.Duration) error {
	if s.isConnected() {
		return nil
	}

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
