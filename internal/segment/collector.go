package segment

// Better reports whether a ranks before c: higher score first, then lower
// key, then lower ctid.
func Better(a, c Hit) bool {
	if a.Score != c.Score {
		return a.Score > c.Score
	}
	if a.Key != c.Key {
		return a.Key < c.Key
	}
	return a.CTID < c.CTID
}

// Collector keeps the best limit hits. A limit of zero or less keeps all.
// It is not safe for concurrent use.
type Collector struct {
	limit int
	h     hitHeap
}

// NewCollector returns an empty collector.
func NewCollector(limit int) *Collector {
	return &Collector{limit: limit}
}

// Admits reports whether h would enter the result. Callers use it to skip
// visibility checks for hits that cannot make the cut.
func (c *Collector) Admits(h Hit) bool {
	return c.limit <= 0 || len(c.h) < c.limit || Better(h, c.h[0])
}

// Push offers h to the collector.
func (c *Collector) Push(h Hit) {
	switch {
	case c.limit <= 0 || len(c.h) < c.limit:
		c.h.push(h)
	case Better(h, c.h[0]):
		c.h[0] = h
		c.h.down(0, len(c.h))
	}
}

// Len returns the number of hits held.
func (c *Collector) Len() int { return len(c.h) }

// Results drains the collector, best first.
func (c *Collector) Results() []Hit {
	out := make([]Hit, len(c.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = c.h.pop()
	}
	return out
}

// hitHeap keeps the worst hit at the root.
type hitHeap []Hit

func (h *hitHeap) push(n Hit) {
	*h = append(*h, n)
	h.up(len(*h) - 1)
}

func (h *hitHeap) pop() Hit {
	old := *h
	n := len(old) - 1
	root := old[0]
	old[0] = old[n]
	*h = old[:n]
	h.down(0, len(*h))
	return root
}

func (h hitHeap) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if !Better(h[i], h[j]) {
			break
		}
		h[i], h[j] = h[j], h[i]
		j = i
	}
}

func (h hitHeap) down(i, n int) {
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && Better(h[j1], h[j2]) {
			j = j2
		}
		if !Better(h[i], h[j]) {
			break
		}
		h[i], h[j] = h[j], h[i]
		i = j
	}
}
