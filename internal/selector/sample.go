package selector

import (
	"math/rand"
	"sync"
	"time"
)

// Weighted is implemented by anything that can be drawn from a pool.
// Items with weight < 1 are never selected.
type Weighted interface {
	ItemWeight() int
}

// Sample draws up to k distinct items without replacement. Each draw picks an item
// with probability weight/residual total, where the residual total is recomputed
// after removing the previous pick.
//
// An empty (or all zero-weight) pool yields an empty result. When k covers the whole
// eligible pool, every eligible item is returned in weighted-random order.
func Sample[T Weighted](r *rand.Rand, pool []T, k int) []T {
	if k <= 0 || len(pool) == 0 {
		return nil
	}
	eligible := make([]T, 0, len(pool))
	total := int64(0)
	for _, it := range pool {
		if w := it.ItemWeight(); w > 0 {
			eligible = append(eligible, it)
			total += int64(w)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	if k > len(eligible) {
		k = len(eligible)
	}

	out := make([]T, 0, k)
	for len(out) < k {
		if len(eligible) == 1 {
			out = append(out, eligible[0])
			break
		}
		n := r.Int63n(total)
		idx := len(eligible) - 1
		for i, it := range eligible {
			n -= int64(it.ItemWeight())
			if n < 0 {
				idx = i
				break
			}
		}
		pick := eligible[idx]
		out = append(out, pick)
		total -= int64(pick.ItemWeight())
		eligible = append(eligible[:idx], eligible[idx+1:]...)
	}
	return out
}

// Selector is a goroutine-safe wrapper around a seeded random source.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Selector drawing from src. A nil src is seeded from the clock.
func New(src rand.Source) *Selector {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Selector{rng: rand.New(src)}
}

func sampleLocked[T Weighted](s *Selector, pool []T, k int) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Sample(s.rng, pool, k)
}

func pickOne[T Weighted](s *Selector, pool []T) (T, bool) {
	got := sampleLocked(s, pool, 1)
	if len(got) == 0 {
		var zero T
		return zero, false
	}
	return got[0], true
}
