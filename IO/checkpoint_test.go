package IO

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"gptcore/params"
	"gptcore/tokenizer"
	"gptcore/transformer"
)

func checkpointFixture(t *testing.T) (*transformer.Model, *tokenizer.BPE, params.Config) {
	t.Helper()
	tok := tokenizer.New()
	if err := tok.Train([]string{"checkpoint fixture corpus", "fixture corpus text"}, 270); err != nil {
		t.Fatal(err)
	}
	cfg := params.DefaultConfig()
	cfg.Layers = 2
	cfg.NumHeads = 2
	cfg.DModel = 8
	cfg.HiddenSize = 16
	cfg.SeqLen = 6
	cfg.VocabSize = tok.VocabSize()
	m, err := transformer.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m, tok, cfg
}

func TestCheckpointRoundTrip(t *testing.T) {
	m, tok, cfg := checkpointFixture(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	if err := SaveCheckpoint(path, m, tok); err != nil {
		t.Fatal(err)
	}
	m2, tok2, err := LoadCheckpoint(path, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if m2.Emb.At(3, 17) != m.Emb.At(3, 17) {
		t.Fatal("embedding changed across save/load")
	}
	if m2.PosEmb.At(1, 4) != m.PosEmb.At(1, 4) {
		t.Fatal("positional table changed across save/load")
	}
	b, b2 := m.Blocks[1], m2.Blocks[1]
	if b2.Attn.Wquery[1].At(2, 5) != b.Attn.Wquery[1].At(2, 5) {
		t.Fatal("attention weights changed across save/load")
	}
	if b2.Mlp.OutputBias.At(3, 0) != b.Mlp.OutputBias.At(3, 0) {
		t.Fatal("mlp bias changed across save/load")
	}
	if m2.LnF.Gamma.At(5, 0) != m.LnF.Gamma.At(5, 0) {
		t.Fatal("final norm changed across save/load")
	}
	if tok2.VocabSize() != tok.VocabSize() || len(tok2.Merges) != len(tok.Merges) {
		t.Fatal("tokenizer changed across save/load")
	}

	// the restored pair must behave identically end to end
	ids := tok2.Encode("fix")
	y1, err := m.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	y2, err := m2.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	if y1.At(0, 0) != y2.At(0, 0) {
		t.Fatal("restored model computes different activations")
	}
}

func TestCheckpointConfigMismatch(t *testing.T) {
	m, tok, cfg := checkpointFixture(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := SaveCheckpoint(path, m, tok); err != nil {
		t.Fatal(err)
	}

	for _, mutate := range []func(*params.Config){
		func(c *params.Config) { c.Layers++ },
		func(c *params.Config) { c.NumHeads = 4 },
		func(c *params.Config) { c.DModel = 16; c.HiddenSize = 64 },
		func(c *params.Config) { c.SeqLen = 12 },
		func(c *params.Config) { c.VocabSize++ },
	} {
		bad := cfg
		mutate(&bad)
		if _, _, err := LoadCheckpoint(path, bad); !errors.Is(err, params.ErrConfigMismatch) {
			t.Fatalf("config %+v: got %v, want ErrConfigMismatch", bad.Arch(), err)
		}
	}
}

func TestTokenIDsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.bin")
	ids := []int{0, 1, 259, 4096, 70000}
	if err := ExportTokenIDs(path, ids); err != nil {
		t.Fatal(err)
	}
	got, err := LoadTokenIDs(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("loaded %d ids, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Fatalf("id %d: got %d want %d", i, got[i], ids[i])
		}
	}
	if err := ExportTokenIDs(path, []int{-1}); err == nil {
		t.Fatal("negative id exported")
	}
}
