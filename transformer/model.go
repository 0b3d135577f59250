package transformer

import (
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"gptcore/params"
	"gptcore/utils"
)

// ErrContextOverflow is returned when a sequence would occupy a position
// at or past the context window.
var ErrContextOverflow = errors.New("sequence exceeds context window")

// Model owns every parameter tensor: the tied token embedding, the learned
// positional table, the block stack, and the final norm. The trainer is the
// only mutator; generation holds it as a read-only snapshot.
type Model struct {
	Cfg    params.Config
	Emb    *mat.Dense // (d x V); also the output head (tied weights)
	PosEmb *mat.Dense // (d x C)
	Blocks []*Block
	LnF    *LayerNorm

	// Adam state for the embedding tables
	EmbM, EmbV *mat.Dense
	PosM, PosV *mat.Dense
	EmbT, PosT int
}

// New builds a model with weights drawn from N(0, 0.02) seeded by
// cfg.Seed, so construction is reproducible.
func New(cfg params.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src := rand.NewSource(cfg.Seed)
	parallel := cpuid.CPU.LogicalCores > 1 && cfg.NumHeads > 1

	m := &Model{
		Cfg:    cfg,
		Emb:    mat.NewDense(cfg.DModel, cfg.VocabSize, utils.NormalArray(cfg.DModel*cfg.VocabSize, 0.02, src)),
		PosEmb: mat.NewDense(cfg.DModel, cfg.SeqLen, utils.NormalArray(cfg.DModel*cfg.SeqLen, 0.02, src)),
		Blocks: make([]*Block, cfg.Layers),
		LnF:    NewLayerNorm(cfg.DModel),
	}
	for i := range m.Blocks {
		m.Blocks[i] = NewBlock(cfg, src, parallel)
	}
	m.EmbM = utils.ZerosLike(m.Emb)
	m.EmbV = utils.ZerosLike(m.Emb)
	m.PosM = utils.ZerosLike(m.PosEmb)
	m.PosV = utils.ZerosLike(m.PosEmb)
	return m, nil
}

// EmbedSequence maps ids to (d x T): token column plus positional column.
// A sequence longer than the context window is a caller bug, reported as
// ErrContextOverflow rather than silently truncated.
func (m *Model) EmbedSequence(ids []int) (*mat.Dense, error) {
	T := len(ids)
	if T == 0 {
		return nil, errors.New("model: empty sequence")
	}
	if T > m.Cfg.SeqLen {
		return nil, errors.Wrapf(ErrContextOverflow, "sequence length %d, window %d", T, m.Cfg.SeqLen)
	}
	d := m.Cfg.DModel
	out := mat.NewDense(d, T, nil)
	for t, id := range ids {
		if id < 0 || id >= m.Cfg.VocabSize {
			return nil, errors.Errorf("model: token id %d outside vocab of %d", id, m.Cfg.VocabSize)
		}
		for i := 0; i < d; i++ {
			out.Set(i, t, m.Emb.At(i, id)+m.PosEmb.At(i, t))
		}
	}
	return out, nil
}

// Forward runs the full stack over ids and returns the final-norm output
// (d x T). Use Logits to project to the vocabulary.
func (m *Model) Forward(ids []int) (*mat.Dense, error) {
	X, err := m.EmbedSequence(ids)
	if err != nil {
		return nil, err
	}
	Y := X
	for _, b := range m.Blocks {
		Y = b.Forward(Y)
	}
	return m.LnF.Forward(Y), nil
}

// ForwardInference is Forward without the layer caches Backward needs.
// It only reads the weight tensors, so concurrent generations can share
// one model; Forward itself is reserved for the trainer.
func (m *Model) ForwardInference(ids []int) (*mat.Dense, error) {
	X, err := m.EmbedSequence(ids)
	if err != nil {
		return nil, err
	}
	Y := X
	for _, b := range m.Blocks {
		Y = b.ForwardInference(Y)
	}
	return m.LnF.Normalize(Y), nil
}

// Logits projects hidden states to (V x T) with the tied embedding.
func (m *Model) Logits(Y *mat.Dense) *mat.Dense {
	return utils.ToDense(utils.Dot(m.Emb.T(), Y))
}

// LogitsAt projects a single position to (V x 1).
func (m *Model) LogitsAt(Y *mat.Dense, t int) *mat.Dense {
	return utils.ToDense(utils.Dot(m.Emb.T(), utils.ColAsVector(Y, t)))
}

// Cache is a per-layer KV cache for incremental decoding.
type Cache struct {
	Layers []AttnKV
}

func (m *Model) NewCache() *Cache {
	c := &Cache{Layers: make([]AttnKV, len(m.Blocks))}
	for i := range c.Layers {
		c.Layers[i] = newAttnKV(m.Cfg.NumHeads)
	}
	return c
}

// Len is the number of positions already decoded into the cache.
func (c *Cache) Len() int {
	if len(c.Layers) == 0 {
		return 0
	}
	return c.Layers[0].T
}

// ForwardLast advances the cache by one token and returns the (V x 1)
// logits at the new position. The position index is the current cache
// length; advancing at or past the window is ErrContextOverflow. Callers
// that slide the window must recompute with Forward instead.
func (m *Model) ForwardLast(id int, cache *Cache) (*mat.Dense, error) {
	pos := cache.Len()
	if pos >= m.Cfg.SeqLen {
		return nil, errors.Wrapf(ErrContextOverflow, "position %d, window %d", pos, m.Cfg.SeqLen)
	}
	if id < 0 || id >= m.Cfg.VocabSize {
		return nil, errors.Errorf("model: token id %d outside vocab of %d", id, m.Cfg.VocabSize)
	}
	d := m.Cfg.DModel
	x := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		x.Set(i, 0, m.Emb.At(i, id)+m.PosEmb.At(i, pos))
	}
	for l, b := range m.Blocks {
		x = b.ForwardLast(x, &cache.Layers[l], m.Cfg.SeqLen)
	}
	y := m.LnF.ForwardCol(x)
	return utils.ToDense(utils.Dot(m.Emb.T(), y)), nil
}

// SetLearningRates pushes per-group learning rates into every sublayer;
// the trainer calls this once per optimizer step with scheduled values.
func (m *Model) SetLearningRates(attnLR, mlpLR, normLR float64) {
	for _, b := range m.Blocks {
		b.Attn.LearningRate = attnLR
		b.Mlp.LearningRate = mlpLR
		b.Ln1.LearningRate = normLR
		b.Ln2.LearningRate = normLR
	}
	m.LnF.LearningRate = normLR
}
