package roi

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrEmptyPools is returned by Sample when there is nothing to choose from.
var ErrEmptyPools = errors.New("roi: no positive or negative proposals to sample")

// Sample selects exactly numROIs indices from the positive and negative pools.
//
// Up to numROIs/2 positives are drawn without replacement (all of them when
// fewer are available). Negatives fill the remainder, without replacement
// when there are enough and with replacement otherwise. When there are no
// negatives the remainder is drawn from the positives with replacement.
// With numROIs == 1 a fair coin picks the pool, falling back to the other
// pool when the chosen one is empty.
//
// Positives come first in the returned slice.
func Sample(numROIs int, pos, neg []int, rng *rand.Rand) ([]int, error) {
	if numROIs < 1 {
		return nil, errors.Errorf("roi: num_rois must be positive, got %d", numROIs)
	}
	if len(pos)+len(neg) == 0 {
		return nil, ErrEmptyPools
	}

	if numROIs == 1 {
		pool := pos
		if rng.Intn(2) == 0 {
			pool = neg
		}
		switch {
		case len(pool) > 0:
		case len(pos) > 0:
			pool = pos
		default:
			pool = neg
		}
		return []int{pool[rng.Intn(len(pool))]}, nil
	}

	half := numROIs / 2
	selected := make([]int, 0, numROIs)
	if len(pos) <= half {
		selected = append(selected, pos...)
	} else {
		selected = append(selected, choose(pos, half, rng)...)
	}

	need := numROIs - len(selected)
	switch {
	case len(neg) >= need:
		selected = append(selected, choose(neg, need, rng)...)
	case len(neg) > 0:
		selected = append(selected, chooseWithReplacement(neg, need, rng)...)
	default:
		selected = append(selected, chooseWithReplacement(pos, need, rng)...)
	}

	return selected, nil
}

func choose(pool []int, n int, rng *rand.Rand) []int {
	out := make([]int, n)
	for i, p := range rng.Perm(len(pool))[:n] {
		out[i] = pool[p]
	}
	return out
}

func chooseWithReplacement(pool []int, n int, rng *rand.Rand) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = pool[rng.Intn(len(pool))]
	}
	return out
}
