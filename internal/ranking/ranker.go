package ranking

import (
	"container/heap"
	"errors"
	"math"
	"sort"
)

// ErrNoHistory is returned when there are no candidates to rank against.
// Callers treat it as "nothing relevant" rather than a failure.
var ErrNoHistory = errors.New("no history to rank")

// epsilon guards the cosine denominator so zero vectors score 0 instead of NaN.
const epsilon = 1e-8

// Scored pairs a candidate's original index with its similarity to the query.
type Scored struct {
	Index      int
	Similarity float64
}

// Cosine computes the cosine similarity between two vectors. Mismatched
// lengths and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(aNormSq) * math.Sqrt(bNormSq)
	if denom < epsilon {
		return 0
	}
	return dot / denom
}

// TopK scores every candidate against the query and returns up to k results
// ordered by similarity descending. Equal similarities keep candidate order,
// so ranking the same history twice yields the same picks.
func TopK(query []float32, candidates [][]float32, k int) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHistory
	}
	if k <= 0 {
		return []Scored{}, nil
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	h := &scoredHeap{}
	heap.Init(h)

	for i, c := range candidates {
		s := Scored{Index: i, Similarity: Cosine(query, c)}
		if h.Len() < k {
			heap.Push(h, s)
		} else if better(s, (*h)[0]) {
			(*h)[0] = s
			heap.Fix(h, 0)
		}
	}

	results := make([]Scored, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Scored)
	}

	// Pop order is worst-first within the heap's comparator; normalize to
	// similarity descending with index ascending on ties.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Index < results[j].Index
	})
	return results, nil
}

// MostRelevant returns the texts of the top-k candidates by similarity to
// the query vector. texts and candidates must be parallel slices.
func MostRelevant(query []float32, candidates [][]float32, texts []string, k int) ([]string, error) {
	scored, err := TopK(query, candidates, k)
	if err != nil {
		return nil, err
	}
	picked := make([]string, len(scored))
	for i, s := range scored {
		picked[i] = texts[s.Index]
	}
	return picked, nil
}

// better reports whether a should replace b in the kept set: higher
// similarity wins, equal similarity prefers the earlier candidate.
func better(a, b Scored) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.Index < b.Index
}

// scoredHeap is a min-heap keeping the current worst candidate at the root.
type scoredHeap []Scored

func (h scoredHeap) Len() int { return len(h) }
func (h scoredHeap) Less(i, j int) bool {
	if h[i].Similarity != h[j].Similarity {
		return h[i].Similarity < h[j].Similarity
	}
	return h[i].Index > h[j].Index
}
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
