package utils

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestCausalMaskUpperTriangle(t *testing.T) {
	m := CausalMask(4)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := m.At(i, j)
			if j > i && v > -1e29 {
				t.Fatalf("mask[%d,%d]=%g, future position not blocked", i, j, v)
			}
			if j <= i && v != 0 {
				t.Fatalf("mask[%d,%d]=%g, past position should be open", i, j, v)
			}
		}
	}
}

func TestRowSoftmaxMaskedRowsSumToOne(t *testing.T) {
	s := mat.NewDense(3, 3, []float64{
		0.5, 1.2, -0.3,
		2.0, 0.1, 0.7,
		-1.0, 0.4, 0.9,
	})
	a := RowSoftmaxMasked(s, CausalMask(3))
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			if j > i && a.At(i, j) != 0 {
				t.Fatalf("attention weight a[%d,%d]=%g leaks into the future", i, j, a.At(i, j))
			}
			sum += a.At(i, j)
		}
		if math.Abs(sum-1.0) > 1e-12 {
			t.Fatalf("row %d sums to %g, want 1", i, sum)
		}
	}
}

func TestGeluPrimeFiniteDiff(t *testing.T) {
	for _, x := range []float64{-2.0, -0.5, 0.0, 0.3, 1.7} {
		eps := 1e-6
		fp := GeluApply(0, 0, x+eps)
		fm := GeluApply(0, 0, x-eps)
		num := (fp - fm) / (2 * eps)
		ana := GeluPrime(mat.NewDense(1, 1, []float64{x})).At(0, 0)
		if math.Abs(num-ana) > 1e-5 {
			t.Fatalf("gelu'(%g): num=%.8g ana=%.8g", x, num, ana)
		}
	}
}

func TestCrossEntropyGradSumsToZero(t *testing.T) {
	logits := mat.NewDense(5, 1, []float64{0.2, -1.1, 0.9, 0.0, 2.3})
	loss, grad := CrossEntropyWithIndex(logits, 2)
	if loss <= 0 {
		t.Fatalf("loss %g, want positive", loss)
	}
	sum := 0.0
	for i := 0; i < 5; i++ {
		sum += grad.At(i, 0)
	}
	// softmax minus one-hot always sums to zero
	if math.Abs(sum) > 1e-12 {
		t.Fatalf("grad sums to %g, want 0", sum)
	}
	if grad.At(2, 0) >= 0 {
		t.Fatalf("gold grad %g, want negative", grad.At(2, 0))
	}
}

func TestClipGradsScalesToMaxNorm(t *testing.T) {
	g := mat.NewDense(2, 2, []float64{3, 0, 0, 4}) // norm 5
	scale := ClipGrads(1.0, g)
	if math.Abs(scale-0.2) > 1e-12 {
		t.Fatalf("scale %g, want 0.2", scale)
	}
	if n := MatrixNorm(g); math.Abs(n-1.0) > 1e-12 {
		t.Fatalf("clipped norm %g, want 1", n)
	}
	// already under budget: untouched
	if s := ClipGrads(10.0, g); s != 1.0 {
		t.Fatalf("scale %g for in-budget grads, want 1", s)
	}
}

func TestLRSchedule(t *testing.T) {
	peak := 3e-4
	if lr := LRSchedule(0, peak, 100, 1000); lr != 0 {
		t.Fatalf("step 0 lr %g, want 0", lr)
	}
	if lr := LRSchedule(50, peak, 100, 1000); math.Abs(lr-peak/2) > 1e-12 {
		t.Fatalf("mid-warmup lr %g, want %g", lr, peak/2)
	}
	if lr := LRSchedule(100, peak, 100, 1000); math.Abs(lr-peak) > 1e-12 {
		t.Fatalf("end-warmup lr %g, want %g", lr, peak)
	}
	if lr := LRSchedule(1100, peak, 100, 1000); lr > 1e-12 {
		t.Fatalf("post-decay lr %g, want ~0", lr)
	}
}
