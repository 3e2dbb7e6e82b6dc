package parallel

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func drain(s *State) []int {
	var out []int
	for {
		ord, ok := s.Checkout()
		if !ok {
			return out
		}
		out = append(out, ord)
	}
}

func TestCheckoutCompleteness(t *testing.T) {
	for _, tc := range []struct {
		segments, workers int
	}{
		{0, 4},
		{1, 1},
		{7, 3},
		{100, 16},
		{1000, 64},
	} {
		s := NewState(tc.segments)

		var (
			mu  sync.Mutex
			got []int
		)
		var g errgroup.Group
		for range tc.workers {
			g.Go(func() error {
				mine := drain(s)
				mu.Lock()
				got = append(got, mine...)
				mu.Unlock()
				return nil
			})
		}
		require.NoError(t, g.Wait())

		slices.Sort(got)
		want := make([]int, tc.segments)
		for i := range want {
			want[i] = i
		}
		assert.Equal(t, want, append([]int{}, got...), "S=%d workers=%d", tc.segments, tc.workers)
		assert.Zero(t, s.Remaining())
	}
}

func TestResetRestartsScan(t *testing.T) {
	s := NewState(3)
	assert.Equal(t, []int{2, 1, 0}, drain(s))
	_, ok := s.Checkout()
	assert.False(t, ok)

	s.Reset()
	assert.Equal(t, 3, s.Remaining())
	assert.Equal(t, 3, s.Total())
	assert.Len(t, drain(s), 3)
}

func TestGuard(t *testing.T) {
	s := NewState(2)
	g := s.Lock()
	ord, ok := g.Checkout()
	require.True(t, ok)
	assert.Equal(t, 1, ord)
	g.Release()
	g.Release()

	assert.Equal(t, "parallel scan 1/2 remaining", s.String())

	var zero State
	_, ok = zero.Checkout()
	assert.False(t, ok)
}

func TestNegativeTotalPanics(t *testing.T) {
	assert.Panics(t, func() { NewState(-1) })
}
