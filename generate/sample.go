package generate

import (
	"math"
	"math/rand"
	"sort"
)

// argmax returns the index of the largest logit. Ties go to the lowest
// index so greedy decoding is fully deterministic.
func argmax(logits []float64) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func softmaxSlice(logits []float64) []float64 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - maxv)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// applyTopK zeroes every probability outside the k largest and
// renormalizes. k <= 0 or k >= len(probs) leaves the distribution alone.
func applyTopK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float64, len(probs))
	sum := 0.0
	for _, i := range idx[:k] {
		out[i] = probs[i]
		sum += probs[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// applyTopP keeps the smallest prefix of the probability-sorted vocab
// whose cumulative mass reaches p, then renormalizes. The first token is
// always kept even when it alone exceeds p. p <= 0 or p >= 1 is a no-op.
func applyTopP(probs []float64, p float64) []float64 {
	if p <= 0 || p >= 1 {
		return probs
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float64, len(probs))
	cum := 0.0
	sum := 0.0
	for _, i := range idx {
		out[i] = probs[i]
		cum += probs[i]
		sum += probs[i]
		if cum >= p {
			break
		}
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// sampleFromDistribution draws one index using a single uniform variate,
// so identical seeds replay identical token streams.
func sampleFromDistribution(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	// float round-off can leave r just past the final cumsum
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return len(probs) - 1
}
