package train

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gptcore/IO"
	"gptcore/optimizations"
	"gptcore/params"
	"gptcore/tokenizer"
	"gptcore/transformer"
	"gptcore/utils"
)

// ErrNumericDivergence means a batch produced a non-finite loss. The
// run aborts before any parameter update from that batch lands, so the
// last checkpoint is still sound.
var ErrNumericDivergence = errors.New("training loss diverged")

// ErrResourceExhausted means a batch would exceed the configured
// activation budget. Raised up front rather than letting the step
// exhaust memory mid-epoch.
var ErrResourceExhausted = errors.New("batch exceeds configured memory budget")

// Trainer is the sole mutator of model parameters. Generation engines
// must not share a model with a live trainer.
type Trainer struct {
	Model *transformer.Model
	Tok   *tokenizer.BPE
	Cfg   params.Config

	// CheckpointPath, when set, receives a snapshot every
	// Cfg.SaveEverySteps optimizer steps and at the end of training.
	CheckpointPath string

	Step int
}

func New(m *transformer.Model, tok *tokenizer.BPE, cfg params.Config) *Trainer {
	return &Trainer{Model: m, Tok: tok, Cfg: cfg}
}

// Windows cuts a token stream into training windows of SeqLen+1 ids:
// positions [0, C) are the input and [1, C+1) the shifted targets. The
// stride is C, so every target token is trained on exactly once.
func Windows(ids []int, c int) [][]int {
	var out [][]int
	for start := 0; start+c+1 <= len(ids); start += c {
		out = append(out, ids[start:start+c+1])
	}
	return out
}

// estimateBatchBytes approximates the float64 activation footprint of a
// batch: per layer the attention score grids plus the residual-stream
// tensors, plus the output logits.
func (tr *Trainer) estimateBatchBytes(nWindows int) int64 {
	c := &tr.Cfg
	T := int64(c.SeqLen)
	perLayer := int64(c.NumHeads)*T*T + 8*int64(c.DModel)*T + 2*int64(c.HiddenSize)*T
	perWindow := int64(c.Layers)*perLayer + int64(c.VocabSize)*T
	return int64(nWindows) * perWindow * 8
}

// Train runs the full loop over a tokenized corpus: shuffle, hold out a
// validation slice, iterate epochs with early stopping.
func (tr *Trainer) Train(tokens []int) error {
	cfg := tr.Cfg
	wins := Windows(tokens, cfg.SeqLen)
	if len(wins) == 0 {
		return errors.Errorf("train: corpus of %d tokens is smaller than one %d-token window", len(tokens), cfg.SeqLen+1)
	}

	rng := rand.New(rand.NewSource(int64(cfg.Seed)))
	rng.Shuffle(len(wins), func(i, j int) { wins[i], wins[j] = wins[j], wins[i] })

	nVal := int(float64(len(wins)) * cfg.ValFrac)
	if nVal >= len(wins) {
		nVal = len(wins) - 1
	}
	val, trainWins := wins[:nVal], wins[nVal:]

	bestVal := math.Inf(1)
	badEpochs := 0

	for epoch := 0; epoch < cfg.MaxEpochs; epoch++ {
		start := time.Now()
		rng.Shuffle(len(trainWins), func(i, j int) { trainWins[i], trainWins[j] = trainWins[j], trainWins[i] })

		epochLoss := 0.0
		nBatches := 0
		for b := 0; b*cfg.BatchSize < len(trainWins); b++ {
			lo := b * cfg.BatchSize
			hi := lo + cfg.BatchSize
			if hi > len(trainWins) {
				hi = len(trainWins)
			}
			batch := trainWins[lo:hi]

			if cfg.MaxBatchBytes > 0 {
				if est := tr.estimateBatchBytes(len(batch)); est > cfg.MaxBatchBytes {
					return errors.Wrapf(ErrResourceExhausted,
						"batch %d: estimated %d bytes, budget %d", b, est, cfg.MaxBatchBytes)
				}
			}

			loss, err := tr.trainBatch(batch)
			if err != nil {
				return errors.Wrapf(err, "epoch %d batch %d", epoch, b)
			}
			epochLoss += loss
			nBatches++

			if cfg.Debug && cfg.DebugEvery > 0 && tr.Step%cfg.DebugEvery < len(batch) {
				fmt.Printf("epoch %d step %d loss %.4f\n", epoch, tr.Step, loss)
			}
			if tr.CheckpointPath != "" && cfg.SaveEverySteps > 0 && tr.Step/cfg.SaveEverySteps != (tr.Step-len(batch))/cfg.SaveEverySteps {
				if err := IO.SaveCheckpoint(tr.CheckpointPath, tr.Model, tr.Tok); err != nil {
					return err
				}
			}
		}
		avgLoss := epochLoss / float64(nBatches)

		valLoss := avgLoss
		if len(val) > 0 {
			var acc float64
			var err error
			valLoss, acc, err = tr.Evaluate(val)
			if err != nil {
				return err
			}
			fmt.Printf("epoch %d train %.4f val %.4f ppl %.2f acc %.3f (%s)\n",
				epoch, avgLoss, valLoss, math.Exp(valLoss), acc, time.Since(start).Round(time.Second))
		} else {
			fmt.Printf("epoch %d train %.4f (%s)\n", epoch, avgLoss, time.Since(start).Round(time.Second))
		}

		if valLoss < bestVal {
			bestVal = valLoss
			badEpochs = 0
			if tr.CheckpointPath != "" {
				if err := IO.SaveCheckpoint(tr.CheckpointPath, tr.Model, tr.Tok); err != nil {
					return err
				}
			}
		} else {
			badEpochs++
			if badEpochs >= cfg.Patience {
				fmt.Printf("early stop after %d epochs without improvement\n", badEpochs)
				break
			}
		}
		if avgLoss < cfg.Epsilon {
			break
		}
	}

	if tr.CheckpointPath != "" {
		return IO.SaveCheckpoint(tr.CheckpointPath, tr.Model, tr.Tok)
	}
	return nil
}

// trainBatch runs one optimizer step per window and returns the mean
// window loss.
func (tr *Trainer) trainBatch(batch [][]int) (float64, error) {
	total := 0.0
	for i, w := range batch {
		tr.Step++
		tr.setLearningRates()
		loss, err := tr.trainWindow(w)
		if err != nil {
			return 0, errors.Wrapf(err, "window %d", i)
		}
		total += loss
	}
	return total / float64(len(batch)), nil
}

func (tr *Trainer) setLearningRates() {
	c := &tr.Cfg
	s := tr.Step
	tr.Model.SetLearningRates(
		utils.LRSchedule(s, c.AttnLR, c.WarmupSteps, c.DecaySteps),
		utils.LRSchedule(s, c.MLPLR, c.WarmupSteps, c.DecaySteps),
		utils.LRSchedule(s, c.NormLR, c.WarmupSteps, c.DecaySteps),
	)
}

// trainWindow does one forward/backward/update pass over a C+1 window.
// The non-finite loss check happens before any backward call, so a
// diverging batch cannot corrupt the weights.
func (tr *Trainer) trainWindow(w []int) (float64, error) {
	cfg := &tr.Cfg
	x, y := w[:len(w)-1], w[1:]
	T := len(x)

	Y, err := tr.Model.Forward(x)
	if err != nil {
		return 0, err
	}
	logits := tr.Model.Logits(Y) // (V x T)

	loss := 0.0
	dLogits := mat.NewDense(cfg.VocabSize, T, nil)
	for t := 0; t < T; t++ {
		lt, dcol := utils.CrossEntropyWithIndex(utils.ColAsVector(logits, t), y[t])
		loss += lt
		for i := 0; i < cfg.VocabSize; i++ {
			dLogits.Set(i, t, dcol.At(i, 0)/float64(T))
		}
	}
	loss /= float64(T)

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, errors.Wrapf(ErrNumericDivergence, "step %d loss %v", tr.Step, loss)
	}

	utils.ClipGrads(cfg.GradClip, dLogits)

	// tied head: logits = Emb^T Y, so both paths contribute
	dY := utils.ToDense(utils.Dot(tr.Model.Emb, dLogits))      // (d x T)
	dEmb := utils.ToDense(utils.Dot(Y, dLogits.T()))           // (d x V), output path
	grad := tr.Model.LnF.Backward(dY, cfg)                     // updates final norm
	for l := len(tr.Model.Blocks) - 1; l >= 0; l-- {
		grad = tr.Model.Blocks[l].Backward(grad, cfg)
	}

	// input path: scatter the residual-stream grad back onto the token
	// and position tables
	d := cfg.DModel
	dPos := utils.ZerosLike(tr.Model.PosEmb)
	for t, id := range x {
		for i := 0; i < d; i++ {
			g := grad.At(i, t)
			dEmb.Set(i, id, dEmb.At(i, id)+g)
			dPos.Set(i, t, dPos.At(i, t)+g)
		}
	}
	utils.ClipGrads(cfg.GradClip, dEmb, dPos)
	tr.updateEmbeddings(dEmb, dPos)
	return loss, nil
}

// updateEmbeddings applies AdamW to the token and position tables. The
// token table stays frozen for the first half of warmup so early noisy
// gradients through the tied head do not wreck the embedding geometry.
func (tr *Trainer) updateEmbeddings(dEmb, dPos *mat.Dense) {
	c := &tr.Cfg
	if tr.Step >= c.WarmupSteps/2 {
		embLR := utils.LRSchedule(tr.Step, c.EmbedLR, c.WarmupSteps, c.DecaySteps)
		tr.Model.EmbT++
		optimizations.AdamUpdateInPlace(tr.Model.Emb, dEmb, tr.Model.EmbM, tr.Model.EmbV,
			tr.Model.EmbT, embLR, c.AdamBeta1, c.AdamBeta2, c.AdamEps, 0)
	}
	posLR := utils.LRSchedule(tr.Step, c.PosLR, c.WarmupSteps, c.DecaySteps)
	tr.Model.PosT++
	optimizations.AdamUpdateInPlace(tr.Model.PosEmb, dPos, tr.Model.PosM, tr.Model.PosV,
		tr.Model.PosT, posLR, c.AdamBeta1, c.AdamBeta2, c.AdamEps, 0)
}

// Evaluate computes mean next-token loss and argmax accuracy over held
// out windows without touching any parameter. A window the model cannot
// forward is a corrupt eval set, not something to skip silently.
func (tr *Trainer) Evaluate(wins [][]int) (loss, acc float64, err error) {
	nTok := 0
	nHit := 0
	total := 0.0
	for n, w := range wins {
		x, y := w[:len(w)-1], w[1:]
		Y, err := tr.Model.ForwardInference(x)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "eval window %d", n)
		}
		logits := tr.Model.Logits(Y)
		for t := range x {
			col := utils.ColAsVector(logits, t)
			lt, _ := utils.CrossEntropyWithIndex(col, y[t])
			total += lt
			nTok++
			best := 0
			for i := 1; i < tr.Cfg.VocabSize; i++ {
				if col.At(i, 0) > col.At(best, 0) {
					best = i
				}
			}
			if best == y[t] {
				nHit++
			}
		}
	}
	if nTok == 0 {
		return 0, 0, nil
	}
	return total / float64(nTok), float64(nHit) / float64(nTok), nil
}

// Perplexity is exp of the mean evaluation loss.
func (tr *Trainer) Perplexity(wins [][]int) (float64, error) {
	loss, _, err := tr.Evaluate(wins)
	if err != nil {
		return 0, err
	}
	return math.Exp(loss), nil
}
