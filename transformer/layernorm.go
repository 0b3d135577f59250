package transformer

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"gptcore/optimizations"
	"gptcore/params"
	"gptcore/utils"
)

// LayerNorm normalizes each column (timestep) of a (d x T) activation to
// zero mean and unit variance, then applies the learned affine.
type LayerNorm struct {
	D            int
	Eps          float64
	Gamma        *mat.Dense // (d x 1)
	Beta         *mat.Dense // (d x 1)
	LearningRate float64

	// cache
	lastInput *mat.Dense
	xhat      *mat.Dense
	invStd    []float64

	// Adam state
	T              int
	MGamma, VGamma *mat.Dense
	MBeta, VBeta   *mat.Dense
}

func NewLayerNorm(d int) *LayerNorm {
	return &LayerNorm{
		D:      d,
		Eps:    1e-5,
		Gamma:  utils.OnesLike(mat.NewDense(d, 1, nil)),
		Beta:   mat.NewDense(d, 1, nil),
		MGamma: mat.NewDense(d, 1, nil),
		VGamma: mat.NewDense(d, 1, nil),
		MBeta:  mat.NewDense(d, 1, nil),
		VBeta:  mat.NewDense(d, 1, nil),
	}
}

func (ln *LayerNorm) compute(X *mat.Dense) (out, xhat *mat.Dense, inv []float64) {
	d, T := X.Dims()
	out = mat.NewDense(d, T, nil)
	xhat = mat.NewDense(d, T, nil)
	inv = make([]float64, T)
	for t := 0; t < T; t++ {
		mu := 0.0
		for i := 0; i < d; i++ {
			mu += X.At(i, t)
		}
		mu /= float64(d)
		v := 0.0
		for i := 0; i < d; i++ {
			diff := X.At(i, t) - mu
			v += diff * diff
		}
		v /= float64(d)
		istd := 1.0 / math.Sqrt(v+ln.Eps)
		inv[t] = istd
		for i := 0; i < d; i++ {
			n := (X.At(i, t) - mu) * istd
			xhat.Set(i, t, n)
			out.Set(i, t, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
		}
	}
	return out, xhat, inv
}

func (ln *LayerNorm) Forward(X *mat.Dense) *mat.Dense {
	out, xhat, inv := ln.compute(X)
	ln.lastInput = X
	ln.xhat = xhat
	ln.invStd = inv
	return out
}

// Normalize is Forward without the backprop cache. Safe to call from
// multiple goroutines at once; only Gamma and Beta are read.
func (ln *LayerNorm) Normalize(X *mat.Dense) *mat.Dense {
	out, _, _ := ln.compute(X)
	return out
}

// ForwardCol normalizes a single (d x 1) column without caching, for the
// incremental inference path.
func (ln *LayerNorm) ForwardCol(x *mat.Dense) *mat.Dense {
	d, c := x.Dims()
	if c != 1 {
		panic("LayerNorm.ForwardCol expects (d x 1)")
	}
	mu := 0.0
	for i := 0; i < d; i++ {
		mu += x.At(i, 0)
	}
	mu /= float64(d)
	v := 0.0
	for i := 0; i < d; i++ {
		diff := x.At(i, 0) - mu
		v += diff * diff
	}
	v /= float64(d)
	istd := 1.0 / math.Sqrt(v+ln.Eps)
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		n := (x.At(i, 0) - mu) * istd
		out.Set(i, 0, ln.Gamma.At(i, 0)*n+ln.Beta.At(i, 0))
	}
	return out
}

// Backward applies Adam updates to gamma/beta and returns dX.
func (ln *LayerNorm) Backward(dY *mat.Dense, cfg *params.Config) *mat.Dense {
	dX, dGamma, dBeta := ln.BackwardGradsOnly(dY)
	ln.T++
	// no weight decay on normalization parameters
	optimizations.AdamUpdateInPlace(ln.Gamma, dGamma, ln.MGamma, ln.VGamma, ln.T,
		ln.LearningRate, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, 0)
	optimizations.AdamUpdateInPlace(ln.Beta, dBeta, ln.MBeta, ln.VBeta, ln.T,
		ln.LearningRate, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, 0)
	return dX
}

func (ln *LayerNorm) BackwardGradsOnly(dY *mat.Dense) (dX, dGamma, dBeta *mat.Dense) {
	dY = utils.ExpandGradToSeq(dY, ln.lastInput)
	d, T := dY.Dims()
	dGamma = mat.NewDense(d, 1, nil)
	dBeta = mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		sumDG := 0.0
		sumDB := 0.0
		for t := 0; t < T; t++ {
			sumDG += dY.At(i, t) * ln.xhat.At(i, t)
			sumDB += dY.At(i, t)
		}
		dGamma.Set(i, 0, sumDG)
		dBeta.Set(i, 0, sumDB)
	}

	dX = mat.NewDense(d, T, nil)
	for t := 0; t < T; t++ {
		istd := ln.invStd[t]
		sum1 := 0.0
		sum2 := 0.0
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			sum1 += gy
			sum2 += gy * ln.xhat.At(i, t)
		}
		for i := 0; i < d; i++ {
			gy := dY.At(i, t) * ln.Gamma.At(i, 0)
			dxi := (float64(d)*gy - sum1 - ln.xhat.At(i, t)*sum2) * (istd / float64(d))
			dX.Set(i, t, dxi)
		}
	}
	return dX, dGamma, dBeta
}
