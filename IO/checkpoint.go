package IO

import (
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gptcore/params"
	"gptcore/tokenizer"
	"gptcore/transformer"
)

// tensorData is the flat serialized form of one weight matrix.
type tensorData struct {
	R, C int
	Data []float64
}

type blockData struct {
	Wq, Wk, Wv []tensorData // one per head
	Wo         tensorData

	Ln1Gamma, Ln1Beta tensorData
	Ln2Gamma, Ln2Beta tensorData

	HiddenW, HiddenB tensorData
	OutputW, OutputB tensorData
}

// checkpointFile is self-contained: hyperparameters, every weight, and
// the tokenizer vocabulary, so a checkpoint can be loaded without the
// original config or vocab files.
type checkpointFile struct {
	Arch params.Arch

	Emb    tensorData
	PosEmb tensorData
	Blocks []blockData

	LnFGamma, LnFBeta tensorData

	Vocab  []string
	Merges []tokenizer.Pair
}

func toTensor(m *mat.Dense) tensorData {
	r, c := m.Dims()
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data[i*c+j] = m.At(i, j)
		}
	}
	return tensorData{R: r, C: c, Data: data}
}

func fromTensor(t tensorData) (*mat.Dense, error) {
	if len(t.Data) != t.R*t.C {
		return nil, errors.Errorf("checkpoint: tensor %dx%d has %d values", t.R, t.C, len(t.Data))
	}
	return mat.NewDense(t.R, t.C, t.Data), nil
}

// SaveCheckpoint writes the model and tokenizer to path atomically: a
// half-written file never replaces a good checkpoint.
func SaveCheckpoint(path string, m *transformer.Model, tok *tokenizer.BPE) error {
	cf := checkpointFile{
		Arch:     m.Cfg.Arch(),
		Emb:      toTensor(m.Emb),
		PosEmb:   toTensor(m.PosEmb),
		Blocks:   make([]blockData, len(m.Blocks)),
		LnFGamma: toTensor(m.LnF.Gamma),
		LnFBeta:  toTensor(m.LnF.Beta),
		Vocab:    tok.IDToToken,
		Merges:   tok.Merges,
	}
	for i, b := range m.Blocks {
		bd := blockData{
			Wq:       make([]tensorData, len(b.Attn.Wquery)),
			Wk:       make([]tensorData, len(b.Attn.Wkey)),
			Wv:       make([]tensorData, len(b.Attn.Wvalue)),
			Wo:       toTensor(b.Attn.Woutput),
			Ln1Gamma: toTensor(b.Ln1.Gamma),
			Ln1Beta:  toTensor(b.Ln1.Beta),
			Ln2Gamma: toTensor(b.Ln2.Gamma),
			Ln2Beta:  toTensor(b.Ln2.Beta),
			HiddenW:  toTensor(b.Mlp.HiddenWeights),
			HiddenB:  toTensor(b.Mlp.HiddenBias),
			OutputW:  toTensor(b.Mlp.OutputWeights),
			OutputB:  toTensor(b.Mlp.OutputBias),
		}
		for h := range b.Attn.Wquery {
			bd.Wq[h] = toTensor(b.Attn.Wquery[h])
			bd.Wk[h] = toTensor(b.Attn.Wkey[h])
			bd.Wv[h] = toTensor(b.Attn.Wvalue[h])
		}
		cf.Blocks[i] = bd
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "checkpoint: create")
	}
	if err := gob.NewEncoder(f).Encode(&cf); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "checkpoint: encode")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "checkpoint: close")
	}
	return errors.Wrap(os.Rename(tmp, path), "checkpoint: rename")
}

// LoadCheckpoint restores a model and tokenizer. cfg must describe the
// same architecture the checkpoint was trained with; a mismatched
// (L, H, d, C, V) tuple is params.ErrConfigMismatch, never a silent
// reshape.
func LoadCheckpoint(path string, cfg params.Config) (*transformer.Model, *tokenizer.BPE, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "checkpoint: open")
	}
	defer f.Close()

	var cf checkpointFile
	if err := gob.NewDecoder(f).Decode(&cf); err != nil {
		return nil, nil, errors.Wrap(err, "checkpoint: decode")
	}
	if cf.Arch != cfg.Arch() {
		return nil, nil, errors.Wrapf(params.ErrConfigMismatch,
			"checkpoint %+v, config %+v", cf.Arch, cfg.Arch())
	}

	m, err := transformer.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if m.Emb, err = fromTensor(cf.Emb); err != nil {
		return nil, nil, err
	}
	if m.PosEmb, err = fromTensor(cf.PosEmb); err != nil {
		return nil, nil, err
	}
	if len(cf.Blocks) != len(m.Blocks) {
		return nil, nil, errors.Wrapf(params.ErrConfigMismatch,
			"checkpoint has %d blocks, config %d", len(cf.Blocks), len(m.Blocks))
	}
	for i, bd := range cf.Blocks {
		b := m.Blocks[i]
		if len(bd.Wq) != len(b.Attn.Wquery) {
			return nil, nil, errors.Wrapf(params.ErrConfigMismatch,
				"checkpoint block %d has %d heads, config %d", i, len(bd.Wq), len(b.Attn.Wquery))
		}
		for h := range bd.Wq {
			if b.Attn.Wquery[h], err = fromTensor(bd.Wq[h]); err != nil {
				return nil, nil, err
			}
			if b.Attn.Wkey[h], err = fromTensor(bd.Wk[h]); err != nil {
				return nil, nil, err
			}
			if b.Attn.Wvalue[h], err = fromTensor(bd.Wv[h]); err != nil {
				return nil, nil, err
			}
		}
		if b.Attn.Woutput, err = fromTensor(bd.Wo); err != nil {
			return nil, nil, err
		}
		if b.Ln1.Gamma, err = fromTensor(bd.Ln1Gamma); err != nil {
			return nil, nil, err
		}
		if b.Ln1.Beta, err = fromTensor(bd.Ln1Beta); err != nil {
			return nil, nil, err
		}
		if b.Ln2.Gamma, err = fromTensor(bd.Ln2Gamma); err != nil {
			return nil, nil, err
		}
		if b.Ln2.Beta, err = fromTensor(bd.Ln2Beta); err != nil {
			return nil, nil, err
		}
		if b.Mlp.HiddenWeights, err = fromTensor(bd.HiddenW); err != nil {
			return nil, nil, err
		}
		if b.Mlp.HiddenBias, err = fromTensor(bd.HiddenB); err != nil {
			return nil, nil, err
		}
		if b.Mlp.OutputWeights, err = fromTensor(bd.OutputW); err != nil {
			return nil, nil, err
		}
		if b.Mlp.OutputBias, err = fromTensor(bd.OutputB); err != nil {
			return nil, nil, err
		}
	}
	if m.LnF.Gamma, err = fromTensor(cf.LnFGamma); err != nil {
		return nil, nil, err
	}
	if m.LnF.Beta, err = fromTensor(cf.LnFBeta); err != nil {
		return nil, nil, err
	}

	tok := tokenizer.FromVocab(cf.Vocab, cf.Merges)
	if tok.VocabSize() != cfg.VocabSize {
		return nil, nil, errors.Wrapf(params.ErrConfigMismatch,
			"checkpoint vocab %d, config %d", tok.VocabSize(), cfg.VocabSize)
	}
	return m, tok, nil
}
