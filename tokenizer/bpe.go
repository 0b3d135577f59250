package tokenizer

import (
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"gptcore/params"
)

// Special token strings, ids fixed by params (unk=0, bos=1, eos=2, pad=3).
const (
	UnkToken = "<unk>"
	BosToken = "<s>"
	EosToken = "</s>"
	PadToken = "<pad>"
)

// ErrInvalidTokenID is returned by Decode for an id outside [0, V).
var ErrInvalidTokenID = errors.New("tokenizer: token id out of range")

// Pair is one learned merge rule. Order in the merge list is priority
// order: Encode applies rule 0 first, rule 1 second, and so on.
type Pair struct {
	First  string
	Second string
}

// BPE is a byte-level byte-pair-encoding tokenizer. The base alphabet is
// the 4 special tokens followed by the 256 single-byte tokens, so Encode
// never fails on arbitrary input and Decode(Encode(x)) == x exactly.
type BPE struct {
	TokenToID map[string]int
	IDToToken []string
	Merges    []Pair
}

// New returns a tokenizer holding only the base alphabet.
func New() *BPE {
	idToToken := make([]string, 0, params.NumSpecial+256)
	idToToken = append(idToToken, UnkToken, BosToken, EosToken, PadToken)
	for b := 0; b < 256; b++ {
		idToToken = append(idToToken, string([]byte{byte(b)}))
	}
	tokenToID := make(map[string]int, len(idToToken))
	for id, tok := range idToToken {
		tokenToID[tok] = id
	}
	return &BPE{
		TokenToID: tokenToID,
		IDToToken: idToToken,
		Merges:    nil,
	}
}

// FromVocab rebuilds a tokenizer from a serialized vocabulary and merge
// list, as stored inside a checkpoint.
func FromVocab(idToToken []string, merges []Pair) *BPE {
	tokenToID := make(map[string]int, len(idToToken))
	for id, tok := range idToToken {
		tokenToID[tok] = id
	}
	return &BPE{
		TokenToID: tokenToID,
		IDToToken: append([]string(nil), idToToken...),
		Merges:    append([]Pair(nil), merges...),
	}
}

// VocabSize returns |V|.
func (t *BPE) VocabSize() int {
	return len(t.IDToToken)
}

// byteSplit turns text into its base-alphabet symbol sequence.
func byteSplit(text string) []string {
	out := make([]string, 0, len(text))
	for i := 0; i < len(text); i++ {
		out = append(out, text[i:i+1])
	}
	return out
}

// Train learns merges from corpus lines until vocabSize symbols exist or
// no pair occurs more than once. Frequency ties break by first occurrence
// order in the corpus scan, so the result is deterministic.
func (t *BPE) Train(corpus []string, vocabSize int) error {
	base := params.NumSpecial + 256
	if vocabSize < base {
		return errors.Errorf("tokenizer: vocab size %d is below the %d-symbol base alphabet", vocabSize, base)
	}
	if len(t.Merges) > 0 {
		return errors.New("tokenizer: already trained")
	}

	words := make([][]string, 0, len(corpus))
	for _, line := range corpus {
		if len(line) == 0 {
			continue
		}
		words = append(words, byteSplit(line))
	}

	for t.VocabSize() < vocabSize {
		counts := make(map[Pair]int)
		firstSeen := make(map[Pair]int)
		seq := 0
		for _, w := range words {
			for i := 0; i < len(w)-1; i++ {
				p := Pair{w[i], w[i+1]}
				if _, ok := counts[p]; !ok {
					firstSeen[p] = seq
					seq++
				}
				counts[p]++
			}
		}

		var best Pair
		bestCount := 0
		for p, n := range counts {
			if n > bestCount || (n == bestCount && firstSeen[p] < firstSeen[best]) {
				best = p
				bestCount = n
			}
		}
		// A pair seen once compresses nothing.
		if bestCount < 2 {
			break
		}

		merged := best.First + best.Second
		// two different merge paths can fuse to the same string; the
		// first one keeps the id
		if _, exists := t.TokenToID[merged]; !exists {
			t.TokenToID[merged] = len(t.IDToToken)
			t.IDToToken = append(t.IDToToken, merged)
		}
		t.Merges = append(t.Merges, best)

		for i, w := range words {
			words[i] = applyMerge(w, best)
		}
	}
	return nil
}

// applyMerge rewrites every adjacent (First, Second) into the fused symbol.
func applyMerge(word []string, m Pair) []string {
	if len(word) < 2 {
		return word
	}
	out := make([]string, 0, len(word))
	i := 0
	for i < len(word) {
		if i < len(word)-1 && word[i] == m.First && word[i+1] == m.Second {
			out = append(out, m.First+m.Second)
			i += 2
		} else {
			out = append(out, word[i])
			i++
		}
	}
	return out
}

// Encode converts text to token ids. Same text + same vocabulary always
// gives the same ids; unseen bytes land on their single-byte tokens.
func (t *BPE) Encode(text string) []int {
	word := byteSplit(text)
	for _, m := range t.Merges {
		word = applyMerge(word, m)
	}
	ids := make([]int, 0, len(word))
	for _, tok := range word {
		id, ok := t.TokenToID[tok]
		if !ok {
			id = params.UnkID
		}
		ids = append(ids, id)
	}
	return ids
}

// Decode concatenates the string form of each id. Special ids decode to
// nothing; an id outside [0, V) fails with ErrInvalidTokenID.
func (t *BPE) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.IDToToken) {
			return "", errors.Wrapf(ErrInvalidTokenID, "id %d, vocab size %d", id, len(t.IDToToken))
		}
		if id < params.NumSpecial {
			continue
		}
		out = append(out, t.IDToToken[id]...)
	}
	return string(out), nil
}

// vocabFile is the on-disk form. Byte-level tokens are not valid UTF-8,
// so every token is hex-escaped.
type vocabFile struct {
	Vocab  []string    `json:"vocab"`
	Merges [][2]string `json:"merges"`
}

// Save writes the vocabulary and ordered merge list as JSON.
func (t *BPE) Save(path string) error {
	vf := vocabFile{
		Vocab:  make([]string, len(t.IDToToken)),
		Merges: make([][2]string, len(t.Merges)),
	}
	for i, tok := range t.IDToToken {
		vf.Vocab[i] = hex.EncodeToString([]byte(tok))
	}
	for i, m := range t.Merges {
		vf.Merges[i] = [2]string{hex.EncodeToString([]byte(m.First)), hex.EncodeToString([]byte(m.Second))}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "tokenizer: create %s", path)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(vf), "tokenizer: encode vocab")
}

// Load replaces the tokenizer state with one saved by Save.
func (t *BPE) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "tokenizer: open %s", path)
	}
	defer f.Close()
	var vf vocabFile
	if err := json.NewDecoder(f).Decode(&vf); err != nil {
		return errors.Wrap(err, "tokenizer: decode vocab")
	}
	idToToken := make([]string, len(vf.Vocab))
	tokenToID := make(map[string]int, len(vf.Vocab))
	for i, h := range vf.Vocab {
		b, err := hex.DecodeString(h)
		if err != nil {
			return errors.Wrapf(err, "tokenizer: vocab entry %d", i)
		}
		idToToken[i] = string(b)
		tokenToID[string(b)] = i
	}
	merges := make([]Pair, len(vf.Merges))
	for i, m := range vf.Merges {
		a, err := hex.DecodeString(m[0])
		if err != nil {
			return errors.Wrapf(err, "tokenizer: merge entry %d", i)
		}
		b, err := hex.DecodeString(m[1])
		if err != nil {
			return errors.Wrapf(err, "tokenizer: merge entry %d", i)
		}
		merges[i] = Pair{string(a), string(b)}
	}
	t.IDToToken = idToToken
	t.TokenToID = tokenToID
	t.Merges = merges
	return nil
}
