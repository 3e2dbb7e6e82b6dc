// Package parallel coordinates workers scanning the segments of one index.
//
// The initiating backend sizes a State with the segment count. Workers
// check ordinals out of it until none are left, so every segment is
// scanned exactly once.
package parallel

import (
	"fmt"
	"sync"
)

// State is the scan state shared by all workers of one parallel scan.
// The zero value is an exhausted scan over zero segments.
type State struct {
	mu        sync.Mutex
	total     int
	remaining int
}

// NewState returns a state over total segments.
func NewState(total int) *State {
	if total < 0 {
		panic(fmt.Sprintf("parallel: negative segment count %d", total))
	}
	return &State{total: total, remaining: total}
}

// Guard is the held state lock. Release is idempotent, so it can be
// deferred right after Lock.
type Guard struct {
	s        *State
	released bool
}

// Lock acquires the state.
func (s *State) Lock() *Guard {
	s.mu.Lock()
	return &Guard{s: s}
}

// Release unlocks the state.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.s.mu.Unlock()
}

// Checkout takes the next ordinal. It reports false once every ordinal
// was handed out.
func (g *Guard) Checkout() (int, bool) {
	if g.s.remaining == 0 {
		return 0, false
	}
	g.s.remaining--
	return g.s.remaining, true
}

// Reset makes every ordinal available again for a rescan.
func (g *Guard) Reset() { g.s.remaining = g.s.total }

// Checkout takes the next ordinal.
func (s *State) Checkout() (int, bool) {
	g := s.Lock()
	defer g.Release()
	return g.Checkout()
}

// Reset restarts the scan.
func (s *State) Reset() {
	g := s.Lock()
	defer g.Release()
	g.Reset()
}

// Total returns the number of segments the scan covers.
func (s *State) Total() int {
	g := s.Lock()
	defer g.Release()
	return g.s.total
}

// Remaining returns the number of ordinals not yet checked out.
func (s *State) Remaining() int {
	g := s.Lock()
	defer g.Release()
	return g.s.remaining
}

func (s *State) String() string {
	g := s.Lock()
	defer g.Release()
	return fmt.Sprintf("parallel scan %d/%d remaining", g.s.remaining, g.s.total)
}
