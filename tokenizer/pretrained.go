package tokenizer

import (
	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	tkpretrained "github.com/sugarme/tokenizer/pretrained"
)

// Pretrained wraps a HuggingFace tokenizer.json produced by an external
// trainer (the upstream pipeline exports one), exposing the same
// Encode/Decode surface as the learned BPE so callers can swap them.
type Pretrained struct {
	tok       *tk.Tokenizer
	TokenToID map[string]int
	IDToToken []string
}

// LoadPretrained reads a tokenizer.json from disk.
func LoadPretrained(path string) (*Pretrained, error) {
	t, err := tkpretrained.FromFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "tokenizer: load pretrained %s", path)
	}
	vocab := t.GetVocab(true)
	idToToken := make([]string, len(vocab))
	tokenToID := make(map[string]int, len(vocab))
	for tok, id := range vocab {
		tokenToID[tok] = id
		if id >= 0 && id < len(idToToken) {
			idToToken[id] = tok
		}
	}
	return &Pretrained{tok: t, TokenToID: tokenToID, IDToToken: idToToken}, nil
}

// VocabSize returns |V|.
func (p *Pretrained) VocabSize() int {
	return len(p.IDToToken)
}

// Encode tokenizes text with the wrapped model (no bos/eos added).
func (p *Pretrained) Encode(text string) ([]int, error) {
	enc, err := p.tok.EncodeSingle(text)
	if err != nil {
		return nil, errors.Wrap(err, "tokenizer: encode")
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

// Decode concatenates token strings; id outside [0, V) fails with
// ErrInvalidTokenID like the learned BPE.
func (p *Pretrained) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		if id < 0 || id >= len(p.IDToToken) {
			return "", errors.Wrapf(ErrInvalidTokenID, "id %d, vocab size %d", id, len(p.IDToToken))
		}
		out = append(out, p.IDToToken[id]...)
	}
	return string(out), nil
}
