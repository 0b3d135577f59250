package params

import "github.com/pkg/errors"

// Special token ids. These are fixed regardless of vocab size so that
// tokenizers and checkpoints trained at different sizes agree on them
// (same layout the upstream tokenizer.json exports use).
const (
	UnkID = 0
	BosID = 1
	EosID = 2
	PadID = 3
)

// NumSpecial is the number of reserved ids at the start of every vocabulary.
const NumSpecial = 4

// ErrConfigMismatch is returned when a checkpoint's (L, H, d, C, V) tuple
// differs from the model it is being loaded into.
var ErrConfigMismatch = errors.New("checkpoint hyperparameters do not match model config")

type Config struct {
	// Core transformer parameters
	Layers     int // attention block count (L)
	NumHeads   int // attention heads (H)
	DModel     int // model width (d)
	HiddenSize int // MLP hidden, ~4*DModel
	VocabSize  int // |V|
	SeqLen     int // context window (C)

	// Per-group peak learning rates
	AttnLR  float64
	MLPLR   float64
	NormLR  float64
	EmbedLR float64
	PosLR   float64

	// Schedule: linear warmup then cosine decay
	WarmupSteps int
	DecaySteps  int // 0 = hold at peak after warmup

	AdamBeta1 float64
	AdamBeta2 float64
	AdamEps   float64

	MaxEpochs int
	Patience  int     // early stopping patience, epochs
	Epsilon   float64 // stop if avg loss < epsilon
	BatchSize int     // sequences per batch
	ValFrac   float64 // fraction of windows held out for eval

	// Stability
	GradClip    float64 // <=0 disables
	WeightDecay float64 // AdamW-style, applied to weights only

	Seed uint64 // weight init seed

	Debug          bool
	DebugEvery     int
	SaveEverySteps int

	// MaxBatchBytes caps the estimated activation footprint of one batch.
	// Exceeding it fails the run up front instead of letting the step OOM.
	// <=0 disables the guard.
	MaxBatchBytes int64
}

func DefaultConfig() Config {
	return Config{
		Layers:     6,
		NumHeads:   8,
		DModel:     512,
		HiddenSize: 2048,
		VocabSize:  8000,
		SeqLen:     128,

		AttnLR:  3e-4,
		MLPLR:   3e-4,
		NormLR:  3e-4,
		EmbedLR: 3e-5,
		PosLR:   3e-4,

		WarmupSteps: 10_000,
		DecaySteps:  1_000_000,
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEps:     1e-8,

		MaxEpochs: 50,
		Patience:  10,
		Epsilon:   1e-4,
		BatchSize: 32,
		ValFrac:   0.1,

		GradClip:    1.0,
		WeightDecay: 0.01,

		Seed: 1337,

		DebugEvery:     1000,
		SaveEverySteps: 10_000,
	}
}

// Validate fails fast on shapes that cannot build a model.
func (c Config) Validate() error {
	if c.Layers <= 0 {
		return errors.Errorf("config: Layers must be > 0, got %d", c.Layers)
	}
	if c.NumHeads <= 0 || c.DModel%c.NumHeads != 0 {
		return errors.Errorf("config: DModel (%d) must divide evenly into NumHeads (%d)", c.DModel, c.NumHeads)
	}
	if c.SeqLen <= 0 {
		return errors.Errorf("config: SeqLen must be > 0, got %d", c.SeqLen)
	}
	if c.HiddenSize <= 0 {
		return errors.Errorf("config: HiddenSize must be > 0, got %d", c.HiddenSize)
	}
	if c.VocabSize <= NumSpecial {
		return errors.Errorf("config: VocabSize must be > %d special tokens, got %d", NumSpecial, c.VocabSize)
	}
	return nil
}

// Arch is the hyperparameter tuple that versions a checkpoint.
type Arch struct {
	Layers, NumHeads, DModel, SeqLen, VocabSize int
}

func (c Config) Arch() Arch {
	return Arch{c.Layers, c.NumHeads, c.DModel, c.SeqLen, c.VocabSize}
}
