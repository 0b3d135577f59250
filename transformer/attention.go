package transformer

import (
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"gptcore/optimizations"
	"gptcore/params"
	"gptcore/utils"
)

// Attention is one multi-head causal self-attention sublayer. Weights are
// kept as per-head (dHead x dModel) slices plus a (dModel x dModel) output
// projection. Activations are (dModel x T), one column per timestep.
type Attention struct {
	H            int
	DModel       int
	DHead        int
	Wquery       []*mat.Dense
	Wkey         []*mat.Dense
	Wvalue       []*mat.Dense
	Woutput      *mat.Dense
	LearningRate float64

	// Adam state
	T        int
	MWq, VWq []*mat.Dense
	MWk, VWk []*mat.Dense
	MWv, VWv []*mat.Dense
	MWo, VWo *mat.Dense

	// cache for backprop
	X       *mat.Dense
	Q, K, V []*mat.Dense
	Scores  []*mat.Dense
	A       []*mat.Dense
	O       []*mat.Dense
	OCat    *mat.Dense

	maskCache map[int]*mat.Dense
	lastT     int
	Parallel  bool // parallelize over heads
}

// NewAttention draws weights from N(0, 0.02) using src.
func NewAttention(dModel, nHeads int, src rand.Source, parallel bool) *Attention {
	if dModel%nHeads != 0 {
		panic("NewAttention: dModel must be divisible by nHeads")
	}
	dHead := dModel / nHeads
	attn := &Attention{
		H:         nHeads,
		DModel:    dModel,
		DHead:     dHead,
		Wquery:    make([]*mat.Dense, nHeads),
		Wkey:      make([]*mat.Dense, nHeads),
		Wvalue:    make([]*mat.Dense, nHeads),
		MWq:       make([]*mat.Dense, nHeads),
		VWq:       make([]*mat.Dense, nHeads),
		MWk:       make([]*mat.Dense, nHeads),
		VWk:       make([]*mat.Dense, nHeads),
		MWv:       make([]*mat.Dense, nHeads),
		VWv:       make([]*mat.Dense, nHeads),
		Q:         make([]*mat.Dense, nHeads),
		K:         make([]*mat.Dense, nHeads),
		V:         make([]*mat.Dense, nHeads),
		Scores:    make([]*mat.Dense, nHeads),
		A:         make([]*mat.Dense, nHeads),
		O:         make([]*mat.Dense, nHeads),
		maskCache: make(map[int]*mat.Dense),
		Parallel:  parallel,
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(dHead, dModel, utils.NormalArray(dHead*dModel, 0.02, src))
		attn.Wkey[h] = mat.NewDense(dHead, dModel, utils.NormalArray(dHead*dModel, 0.02, src))
		attn.Wvalue[h] = mat.NewDense(dHead, dModel, utils.NormalArray(dHead*dModel, 0.02, src))
		attn.MWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWq[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWk[h] = mat.NewDense(dHead, dModel, nil)
		attn.MWv[h] = mat.NewDense(dHead, dModel, nil)
		attn.VWv[h] = mat.NewDense(dHead, dModel, nil)
	}
	attn.Woutput = mat.NewDense(dModel, dModel, utils.NormalArray(dModel*dModel, 0.02, src))
	attn.MWo = mat.NewDense(dModel, dModel, nil)
	attn.VWo = mat.NewDense(dModel, dModel, nil)
	return attn
}

// Forward computes masked multi-head attention over X (dModel x T).
// The causal mask zeroes every weight at j > i, so column i of the output
// depends only on columns <= i of X.
func (attn *Attention) Forward(X *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	mask, ok := attn.maskCache[T]
	if !ok {
		mask = utils.CausalMask(T)
		attn.maskCache[T] = mask
	}

	// per-head scratch, resized once per T
	if attn.lastT != T {
		for h := 0; h < attn.H; h++ {
			attn.Q[h] = mat.NewDense(attn.DHead, T, nil)
			attn.K[h] = mat.NewDense(attn.DHead, T, nil)
			attn.V[h] = mat.NewDense(attn.DHead, T, nil)
			attn.Scores[h] = mat.NewDense(T, T, nil)
			attn.O[h] = mat.NewDense(attn.DHead, T, nil)
			attn.A[h] = mat.NewDense(T, T, nil)
		}
		attn.lastT = T
	}

	work := func(h int) {
		attn.Q[h].Mul(attn.Wquery[h], X)
		attn.K[h].Mul(attn.Wkey[h], X)
		attn.V[h].Mul(attn.Wvalue[h], X)
		// S = (Q^T K) / sqrt(dHead)
		attn.Scores[h].Mul(attn.Q[h].T(), attn.K[h])
		attn.Scores[h].Scale(rescale, attn.Scores[h])
		utils.RowSoftmaxMaskedInPlace(attn.A[h], attn.Scores[h], mask)
		// O = V * A^T
		attn.O[h].Mul(attn.V[h], attn.A[h].T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(attn.O[h])
	}
	if attn.Parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.OCat = headsCat
	return utils.ToDense(utils.Dot(attn.Woutput, headsCat))
}

// ForwardInference is Forward without the backprop cache. All scratch is
// local, so any number of goroutines can run it against one weight set.
func (attn *Attention) ForwardInference(X *mat.Dense) *mat.Dense {
	_, T := X.Dims()
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	mask := utils.CausalMask(T)

	work := func(h int) {
		var q, k, v mat.Dense
		q.Mul(attn.Wquery[h], X)
		k.Mul(attn.Wkey[h], X)
		v.Mul(attn.Wvalue[h], X)
		var s mat.Dense
		s.Mul(q.T(), &k)
		s.Scale(rescale, &s)
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, &s, mask)
		var o mat.Dense
		o.Mul(&v, a.T())
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Copy(&o)
	}
	if attn.Parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	var y mat.Dense
	y.Mul(attn.Woutput, headsCat)
	return utils.ToDense(&y)
}

// Backward computes grads and applies AdamW updates. Only the trainer
// calls this; inference uses the forward paths exclusively.
func (attn *Attention) Backward(dY *mat.Dense, cfg *params.Config) *mat.Dense {
	dX, dWq, dWk, dWv, dWout := attn.BackwardGradsOnly(dY)

	attn.T++
	lr := attn.LearningRate
	for h := 0; h < attn.H; h++ {
		optimizations.AdamUpdateInPlace(attn.Wquery[h], dWq[h], attn.MWq[h], attn.VWq[h], attn.T,
			lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
		optimizations.AdamUpdateInPlace(attn.Wkey[h], dWk[h], attn.MWk[h], attn.VWk[h], attn.T,
			lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
		optimizations.AdamUpdateInPlace(attn.Wvalue[h], dWv[h], attn.MWv[h], attn.VWv[h], attn.T,
			lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
	}
	optimizations.AdamUpdateInPlace(attn.Woutput, dWout, attn.MWo, attn.VWo, attn.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
	return dX
}

// BackwardGradsOnly computes grads without touching weights.
func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (
	dX *mat.Dense,
	dWq, dWk, dWv []*mat.Dense,
	dWout *mat.Dense,
) {
	dWq = make([]*mat.Dense, attn.H)
	dWk = make([]*mat.Dense, attn.H)
	dWv = make([]*mat.Dense, attn.H)

	dY = utils.ExpandGradToSeq(dY, attn.X)
	_, T := attn.X.Dims()

	// Y = Wout * Ocat
	dWout = utils.ToDense(utils.Dot(dY, attn.OCat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXtotal := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	row := 0
	for h := 0; h < attn.H; h++ {
		dO := dOcat.Slice(row, row+attn.DHead, 0, T).(*mat.Dense)
		row += attn.DHead

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))
		dAT := utils.ToDense(utils.Dot(attn.V[h].T(), dO))
		dA := dAT.T()

		// A = softmax_row(S + mask)
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())))
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))

		dWq[h] = utils.ToDense(utils.Dot(dQ, attn.X.T()))
		dWk[h] = utils.ToDense(utils.Dot(dK, attn.X.T()))
		dWv[h] = utils.ToDense(utils.Dot(dV, attn.X.T()))

		dXq := utils.ToDense(utils.Dot(attn.Wquery[h].T(), dQ))
		dXk := utils.ToDense(utils.Dot(attn.Wkey[h].T(), dK))
		dXv := utils.ToDense(utils.Dot(attn.Wvalue[h].T(), dV))
		dXh := utils.ToDense(utils.Add(utils.Add(dXq, dXk), dXv))
		dXtotal = utils.ToDense(utils.Add(dXtotal, dXh))
	}
	return dXtotal, dWq, dWk, dWv, dWout
}

// -------- KV cache for incremental inference --------

// AttnKV holds per-head cached key/value columns for one layer.
type AttnKV struct {
	K []*mat.Dense // per head: (dHead x t)
	V []*mat.Dense
	T int
}

func newAttnKV(h int) AttnKV {
	return AttnKV{K: make([]*mat.Dense, h), V: make([]*mat.Dense, h)}
}

// appendCol returns dst with col appended as a new last column.
func appendCol(dst, col *mat.Dense) *mat.Dense {
	r := col.RawMatrix().Rows
	c := 0
	if dst != nil {
		r, c = dst.Dims()
	}
	if col.RawMatrix().Cols != 1 {
		panic("appendCol expects a (r x 1) column")
	}
	out := mat.NewDense(r, c+1, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, dst.At(i, j))
		}
		out.Set(i, c, col.At(i, 0))
	}
	return out
}

// ForwardLastWithKV computes only the newest timestep's output using the
// cached keys and values, appending this step's K/V. The cache never grows
// past window columns.
func (attn *Attention) ForwardLastWithKV(xLast *mat.Dense, kv *AttnKV, window int) *mat.Dense {
	if kv.K == nil || len(kv.K) != attn.H {
		*kv = newAttnKV(attn.H)
	}
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	headsCatLast := mat.NewDense(attn.DModel, 1, nil)
	for h := 0; h < attn.H; h++ {
		var q, k, v mat.Dense
		q.Mul(attn.Wquery[h], xLast)
		k.Mul(attn.Wkey[h], xLast)
		v.Mul(attn.Wvalue[h], xLast)
		kv.K[h] = appendCol(kv.K[h], &k)
		kv.V[h] = appendCol(kv.V[h], &v)

		if window > 0 {
			if cols := kv.K[h].RawMatrix().Cols; cols > window {
				start := cols - window
				rows := kv.K[h].RawMatrix().Rows
				kv.K[h] = kv.K[h].Slice(0, rows, start, cols).(*mat.Dense)
				kv.V[h] = kv.V[h].Slice(0, rows, start, cols).(*mat.Dense)
			}
		}

		// scores for the last position only: (1 x t)
		var s mat.Dense
		s.Mul(q.T(), kv.K[h])
		s.Scale(rescale, &s)
		arow := utils.RowSoftmax(&s)
		var o mat.Dense
		o.Mul(kv.V[h], arow.T())
		base := h * attn.DHead
		dst := headsCatLast.Slice(base, base+attn.DHead, 0, 1).(*mat.Dense)
		dst.Copy(&o)
	}
	if kv.K[0] != nil {
		kv.T = kv.K[0].RawMatrix().Cols
	} else {
		kv.T = 0
	}
	var yLast mat.Dense
	yLast.Mul(attn.Woutput, headsCatLast)
	return utils.ToDense(&yLast)
}
