package utils

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ChooseValidHeads picks the largest head count <= preferred that divides
// dModel, warning when it differs from the request.
func ChooseValidHeads(dModel, preferred int) int {
	if preferred <= 0 {
		return 1
	}
	if dModel%preferred == 0 {
		return preferred
	}
	best := 1
	limit := preferred
	if limit > dModel {
		limit = dModel
	}
	for h := limit; h >= 1; h-- {
		if dModel%h == 0 {
			fmt.Printf("Warning: using %d heads instead of %d\n", h, preferred)
			best = h
			break
		}
	}
	return best
}

// ExpandGradToSeq ensures grad has the same T as the forward pass: a
// single-column grad is placed at the last timestep.
func ExpandGradToSeq(grad *mat.Dense, lastInput *mat.Dense) *mat.Dense {
	_, T := lastInput.Dims()
	gr, gc := grad.Dims()
	if gc == T {
		return grad
	}
	if gc == 1 && T > 1 {
		full := mat.NewDense(gr, T, nil)
		for i := 0; i < gr; i++ {
			full.Set(i, T-1, grad.At(i, 0))
		}
		return full
	}
	panic(fmt.Sprintf("ExpandGradToSeq: grad has %d cols, expected 1 or %d", gc, T))
}

// NormalArray draws size samples from N(0, sigma) using the given source,
// so weight init is reproducible from a single seed.
func NormalArray(size int, sigma float64, src rand.Source) []float64 {
	n := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = n.Rand()
	}
	return out
}

// LRSchedule: linear warmup to peak over warmup steps, then cosine decay
// to zero over decay steps (decay <= 0 holds at peak).
func LRSchedule(step int, peak float64, warmup, decay int) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	if decay > 0 {
		x := float64(step-warmup) / float64(decay)
		if x > 1 {
			x = 1
		} else if x < 0 {
			x = 0
		}
		return peak * 0.5 * (1 + math.Cos(math.Pi*x))
	}
	return peak
}
