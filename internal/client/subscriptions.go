// subscriptions.go

package client

import "sync"

// Subscriptions collects unsubscribe funcs acquired during setup so that a
// single Release call tears every one of them down.
type Subscriptions struct {
	mu   sync.Mutex
	offs []func()
}

// Add records off for the next Release.
func (s *Subscriptions) Add(off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offs = append(s.offs, off)
}

// Release runs every recorded func in reverse acquisition order. It is safe to
// call more than once.
func (s *Subscriptions) Release() {
	s.mu.Lock()
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	for i := len(offs) - 1; i >= 0; i-- {
		offs[i]()
	}
}

// Len returns the number of live subscriptions.
func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offs)
}
