package demux

import (
	"sync"
	"time"
)

// signal is the backpressure condition. The worker arms it before checking
// its wait condition so a Notify that lands in between is not lost; a
// Notify with nothing armed does nothing.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// arm returns the channel the next Notify closes.
func (s *signal) arm() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Notify wakes the armed waiter, if any.
func (s *signal) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// wait blocks until ch is closed, timeout elapses or abort is closed. It
// reports whether it was notified.
func (s *signal) wait(ch <-chan struct{}, timeout time.Duration, abort <-chan struct{}) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-abort:
		return false
	}
}
