package transformer

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"gptcore/params"
	"gptcore/utils"
)

// Block is one pre-norm transformer block:
//
//	x = x + Attn(LN1(x))
//	x = x + MLP(LN2(x))
//
// Normalizing before each sublayer keeps deep stacks trainable.
type Block struct {
	Attn *Attention
	Ln1  *LayerNorm
	Ln2  *LayerNorm
	Mlp  *MLP
}

func NewBlock(cfg params.Config, src rand.Source, parallel bool) *Block {
	return &Block{
		Attn: NewAttention(cfg.DModel, cfg.NumHeads, src, parallel),
		Ln1:  NewLayerNorm(cfg.DModel),
		Ln2:  NewLayerNorm(cfg.DModel),
		Mlp:  NewMLP(cfg.DModel, cfg.HiddenSize, src),
	}
}

func (b *Block) Forward(X *mat.Dense) *mat.Dense {
	attnOut := b.Attn.Forward(b.Ln1.Forward(X))
	X = utils.ToDense(utils.Add(X, attnOut))
	mlpOut := b.Mlp.Forward(b.Ln2.Forward(X))
	return utils.ToDense(utils.Add(X, mlpOut))
}

// ForwardInference is Forward without the backprop caches, for serving
// generations that share one model.
func (b *Block) ForwardInference(X *mat.Dense) *mat.Dense {
	attnOut := b.Attn.ForwardInference(b.Ln1.Normalize(X))
	X = utils.ToDense(utils.Add(X, attnOut))
	mlpOut := b.Mlp.ForwardInference(b.Ln2.Normalize(X))
	return utils.ToDense(utils.Add(X, mlpOut))
}

// Backward propagates through both residual branches and updates this
// block's parameters.
func (b *Block) Backward(grad *mat.Dense, cfg *params.Config) *mat.Dense {
	grad = utils.ExpandGradToSeq(grad, b.Ln2.lastInput)

	// X2 = X1 + MLP(LN2(X1))
	dN2 := b.Mlp.Backward(grad, cfg)
	dX1 := utils.ToDense(utils.Add(grad, b.Ln2.Backward(dN2, cfg)))

	// X1 = X0 + Attn(LN1(X0))
	dN1 := b.Attn.Backward(dX1, cfg)
	return utils.ToDense(utils.Add(dX1, b.Ln1.Backward(dN1, cfg)))
}

// BackwardGradsOnly mirrors Backward without parameter updates; used by
// the gradient-check tests.
func (b *Block) BackwardGradsOnly(grad *mat.Dense) *mat.Dense {
	grad = utils.ExpandGradToSeq(grad, b.Ln2.lastInput)

	dN2, _, _, _, _ := b.Mlp.BackwardGradsOnly(grad)
	dLn2, _, _ := b.Ln2.BackwardGradsOnly(dN2)
	dX1 := utils.ToDense(utils.Add(grad, dLn2))

	dN1, _, _, _, _ := b.Attn.BackwardGradsOnly(dX1)
	dLn1, _, _ := b.Ln1.BackwardGradsOnly(dN1)
	return utils.ToDense(utils.Add(dX1, dLn1))
}

// ForwardLast advances one timestep through the block using the layer's
// KV cache. x is (d x 1) for the newest position.
func (b *Block) ForwardLast(x *mat.Dense, kv *AttnKV, window int) *mat.Dense {
	a := b.Attn.ForwardLastWithKV(b.Ln1.ForwardCol(x), kv, window)
	x1 := utils.ToDense(utils.Add(x, a))
	m := b.Mlp.ForwardCol(b.Ln2.ForwardCol(x1))
	return utils.ToDense(utils.Add(x1, m))
}
