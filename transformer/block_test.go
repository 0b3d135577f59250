package transformer

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"gptcore/utils"
)

func TestLayerNormGradFiniteDiff(t *testing.T) {
	d, T := 6, 3
	ln := NewLayerNorm(d)
	X := mat.NewDense(d, T, utils.NormalArray(d*T, 1.0, rand.NewSource(11)))

	_, dY := sumLoss(ln.Forward(X))
	dX, dGamma, _ := ln.BackwardGradsOnly(dY)

	eps := 1e-6

	i, j := 2, 1
	x0 := X.At(i, j)
	X.Set(i, j, x0+eps)
	lp, _ := sumLoss(ln.Forward(X))
	X.Set(i, j, x0-eps)
	lm, _ := sumLoss(ln.Forward(X))
	X.Set(i, j, x0)
	num := (lp - lm) / (2 * eps)
	if math.Abs(num-dX.At(i, j)) > 1e-5 {
		t.Fatalf("dX[%d,%d]: num=%.8g ana=%.8g", i, j, num, dX.At(i, j))
	}

	g0 := ln.Gamma.At(3, 0)
	ln.Gamma.Set(3, 0, g0+eps)
	lp, _ = sumLoss(ln.Forward(X))
	ln.Gamma.Set(3, 0, g0-eps)
	lm, _ = sumLoss(ln.Forward(X))
	ln.Gamma.Set(3, 0, g0)
	num = (lp - lm) / (2 * eps)
	if math.Abs(num-dGamma.At(3, 0)) > 1e-5 {
		t.Fatalf("dGamma[3]: num=%.8g ana=%.8g", num, dGamma.At(3, 0))
	}
}

func TestMLPGradFiniteDiff(t *testing.T) {
	src := rand.NewSource(21)
	mlp := NewMLP(4, 8, src)
	X := mat.NewDense(4, 2, utils.NormalArray(8, 1.0, src))

	_, dY := sumLoss(mlp.Forward(X))
	dX, dWhid, _, dWout, _ := mlp.BackwardGradsOnly(dY)

	eps := 1e-6
	check := func(name string, w, ana *mat.Dense, i, j int) {
		t.Helper()
		w0 := w.At(i, j)
		w.Set(i, j, w0+eps)
		lp, _ := sumLoss(mlp.Forward(X))
		w.Set(i, j, w0-eps)
		lm, _ := sumLoss(mlp.Forward(X))
		w.Set(i, j, w0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-ana.At(i, j)) > 1e-5 {
			t.Fatalf("%s[%d,%d]: num=%.8g ana=%.8g", name, i, j, num, ana.At(i, j))
		}
	}
	check("HiddenWeights", mlp.HiddenWeights, dWhid, 5, 2)
	check("OutputWeights", mlp.OutputWeights, dWout, 1, 6)
	check("X", X, dX, 2, 0)
}

// End to end through a whole pre-norm block.
func TestBlockInputGradFiniteDiff(t *testing.T) {
	cfg := testConfig()
	b := NewBlock(cfg, rand.NewSource(31), false)
	d, T := cfg.DModel, 3
	X := mat.NewDense(d, T, utils.NormalArray(d*T, 0.5, rand.NewSource(32)))

	_, dY := sumLoss(b.Forward(X))
	dX := b.BackwardGradsOnly(dY)

	eps := 1e-6
	for _, pt := range [][2]int{{0, 0}, {3, 1}, {7, 2}} {
		i, j := pt[0], pt[1]
		x0 := X.At(i, j)
		X.Set(i, j, x0+eps)
		lp, _ := sumLoss(b.Forward(X))
		X.Set(i, j, x0-eps)
		lm, _ := sumLoss(b.Forward(X))
		X.Set(i, j, x0)

		num := (lp - lm) / (2 * eps)
		if math.Abs(num-dX.At(i, j)) > 1e-4 {
			t.Fatalf("block dX[%d,%d]: num=%.8g ana=%.8g", i, j, num, dX.At(i, j))
		}
	}
}
