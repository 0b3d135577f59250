package transformer

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"gptcore/optimizations"
	"gptcore/params"
	"gptcore/utils"
)

// MLP is the position-wise feed-forward sublayer: linear -> GELU -> linear,
// hidden dimension ~4x the model width.
type MLP struct {
	Inputs, Hiddens, Outputs  int
	HiddenWeights, HiddenBias *mat.Dense
	OutputWeights, OutputBias *mat.Dense
	LearningRate              float64

	// Adam state
	T                  int
	MHiddenW, VHiddenW *mat.Dense
	MHiddenB, VHiddenB *mat.Dense
	MOutputW, VOutputW *mat.Dense
	MOutputB, VOutputB *mat.Dense

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(dModel, hidden int, src rand.Source) *MLP {
	return &MLP{
		Inputs:        dModel,
		Hiddens:       hidden,
		Outputs:       dModel,
		HiddenWeights: mat.NewDense(hidden, dModel, utils.NormalArray(hidden*dModel, 0.02, src)),
		HiddenBias:    mat.NewDense(hidden, 1, nil),
		OutputWeights: mat.NewDense(dModel, hidden, utils.NormalArray(dModel*hidden, 0.02, src)),
		OutputBias:    mat.NewDense(dModel, 1, nil),
		MHiddenW:      mat.NewDense(hidden, dModel, nil),
		VHiddenW:      mat.NewDense(hidden, dModel, nil),
		MHiddenB:      mat.NewDense(hidden, 1, nil),
		VHiddenB:      mat.NewDense(hidden, 1, nil),
		MOutputW:      mat.NewDense(dModel, hidden, nil),
		VOutputW:      mat.NewDense(dModel, hidden, nil),
		MOutputB:      mat.NewDense(dModel, 1, nil),
		VOutputB:      mat.NewDense(dModel, 1, nil),
	}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights, X))
	hiddenWithBias := utils.AddBias(hiddenLin, mlp.HiddenBias)
	mlp.hiddenPreAct = hiddenWithBias
	mlp.hiddenOutputs = utils.ToDense(utils.Apply(utils.GeluApply, hiddenWithBias))
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights, mlp.hiddenOutputs))
	return utils.AddBias(finalLin, mlp.OutputBias)
}

// ForwardInference is Forward without the backprop cache. Safe to call
// from multiple goroutines at once; only the weight tensors are read.
func (mlp *MLP) ForwardInference(X *mat.Dense) *mat.Dense {
	var h mat.Dense
	h.Mul(mlp.HiddenWeights, X)
	hb := utils.AddBias(&h, mlp.HiddenBias)
	hs := utils.ToDense(utils.Apply(utils.GeluApply, hb))
	var o mat.Dense
	o.Mul(mlp.OutputWeights, hs)
	return utils.AddBias(&o, mlp.OutputBias)
}

// ForwardCol runs one (d x 1) column without caching.
func (mlp *MLP) ForwardCol(xCol *mat.Dense) *mat.Dense {
	return mlp.ForwardInference(xCol)
}

// Backward computes grads and applies AdamW updates (weight decay on
// weights only, not biases).
func (mlp *MLP) Backward(grad *mat.Dense, cfg *params.Config) *mat.Dense {
	dX, dWhid, dbHidden, dWout, dbOut := mlp.BackwardGradsOnly(grad)
	mlp.T++
	lr := mlp.LearningRate
	optimizations.AdamUpdateInPlace(mlp.OutputWeights, dWout, mlp.MOutputW, mlp.VOutputW,
		mlp.T, lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
	optimizations.AdamUpdateInPlace(mlp.OutputBias, dbOut, mlp.MOutputB, mlp.VOutputB,
		mlp.T, lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, 0)
	optimizations.AdamUpdateInPlace(mlp.HiddenWeights, dWhid, mlp.MHiddenW, mlp.VHiddenW,
		mlp.T, lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, cfg.WeightDecay)
	optimizations.AdamUpdateInPlace(mlp.HiddenBias, dbHidden, mlp.MHiddenB, mlp.VHiddenB,
		mlp.T, lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps, 0)
	return dX
}

func (mlp *MLP) BackwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	grad = utils.ExpandGradToSeq(grad, mlp.lastInput)

	dWout = utils.ToDense(utils.Dot(grad, mlp.hiddenOutputs.T()))
	_, T := grad.Dims()
	dbOut = mat.NewDense(mlp.Outputs, 1, nil)
	for i := 0; i < mlp.Outputs; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += grad.At(i, t)
		}
		dbOut.Set(i, 0, s)
	}

	hiddenGradOut := utils.ToDense(utils.Dot(mlp.OutputWeights.T(), grad))
	hiddenErrors := utils.ToDense(utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct)))

	dWhid = utils.ToDense(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	dbHidden = mat.NewDense(mlp.Hiddens, 1, nil)
	for i := 0; i < mlp.Hiddens; i++ {
		s := 0.0
		for t := 0; t < T; t++ {
			s += hiddenErrors.At(i, t)
		}
		dbHidden.Set(i, 0, s)
	}

	dX = utils.ToDense(utils.Dot(mlp.HiddenWeights.T(), hiddenErrors))
	return dX, dWhid, dbHidden, dWout, dbOut
}
