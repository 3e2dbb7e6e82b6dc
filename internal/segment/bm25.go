package segment

import (
	"math"
	"slices"
)

const (
	k1 = 1.2
	b  = 0.75
)

// Stats are the corpus statistics BM25 needs, summed over every segment
// a search covers so scores are comparable across segments.
type Stats struct {
	Docs   int64
	Tokens int64
	DF     map[string]int64
}

// NewStats returns empty statistics for the query terms.
func NewStats(terms []string) *Stats {
	st := &Stats{DF: make(map[string]int64, len(terms))}
	for _, t := range terms {
		st.DF[t] = 0
	}
	return st
}

// Add folds s into the statistics. Deleted documents still count until a
// merge drops them.
func (st *Stats) Add(s *Segment) {
	st.Docs += int64(s.NumDocs())
	st.Tokens += s.meta.Tokens
	for t := range st.DF {
		st.DF[t] += int64(s.DocFreq(t))
	}
}

func (st *Stats) idf(term string) float64 {
	n := float64(st.DF[term])
	return math.Log(1 + (float64(st.Docs)-n+0.5)/(n+0.5))
}

func (st *Stats) avgDocLen() float64 {
	if st.Docs == 0 {
		return 0
	}
	return float64(st.Tokens) / float64(st.Docs)
}

// Hit is a scored, not yet visibility-checked document.
type Hit struct {
	Ord   uint32
	Key   int64
	CTID  uint64
	Score float32
}

// Score computes BM25 for every live document containing at least one of
// terms and calls fn in ordinal order until it returns false.
func (s *Segment) Score(terms []string, st *Stats, fn func(Hit) bool) {
	avgDL := st.avgDocLen()
	scores := make(map[uint32]float64)
	for _, t := range terms {
		list := s.terms[t]
		if len(list) == 0 {
			continue
		}
		idf := st.idf(t)
		for _, p := range list {
			tf := float64(p.Freq)
			norm := 1.0
			if avgDL > 0 {
				norm = 1 - b + b*float64(s.docs[p.Doc].Length)/avgDL
			}
			scores[p.Doc] += idf * tf * (k1 + 1) / (tf + k1*norm)
		}
	}

	ords := make([]uint32, 0, len(scores))
	for ord := range scores {
		if !s.deletes.Contains(ord) {
			ords = append(ords, ord)
		}
	}
	slices.Sort(ords)
	for _, ord := range ords {
		d := s.docs[ord]
		if !fn(Hit{Ord: ord, Key: d.Key, CTID: d.CTID, Score: float32(scores[ord])}) {
			return
		}
	}
}
