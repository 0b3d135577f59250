package transformer

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gptcore/params"
)

func testConfig() params.Config {
	cfg := params.DefaultConfig()
	cfg.Layers = 2
	cfg.NumHeads = 2
	cfg.DModel = 8
	cfg.HiddenSize = 16
	cfg.VocabSize = 64
	cfg.SeqLen = 6
	return cfg
}

func TestModelForwardShapes(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{1, 5, 9, 13}
	Y, err := m.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := Y.Dims(); r != 8 || c != 4 {
		t.Fatalf("hidden dims %dx%d, want 8x4", r, c)
	}
	logits := m.Logits(Y)
	if r, c := logits.Dims(); r != 64 || c != 4 {
		t.Fatalf("logit dims %dx%d, want 64x4", r, c)
	}
}

func TestModelConstructionDeterministic(t *testing.T) {
	cfg := testConfig()
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.Emb.At(3, 7) != b.Emb.At(3, 7) {
		t.Fatal("same seed produced different embeddings")
	}
	if a.Blocks[1].Attn.Wquery[0].At(0, 0) != b.Blocks[1].Attn.Wquery[0].At(0, 0) {
		t.Fatal("same seed produced different attention weights")
	}
}

// The incremental KV path must produce the same last-position logits as
// a full forward pass over the whole sequence.
func TestForwardLastMatchesFullForward(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{1, 17, 4, 33, 8}

	cache := m.NewCache()
	var incr *mat.Dense
	for _, id := range ids {
		incr, err = m.ForwardLast(id, cache)
		if err != nil {
			t.Fatal(err)
		}
	}

	Y, err := m.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	full := m.LogitsAt(Y, len(ids)-1)

	V, _ := full.Dims()
	for i := 0; i < V; i++ {
		if math.Abs(full.At(i, 0)-incr.At(i, 0)) > 1e-9 {
			t.Fatalf("logit %d: full=%.12g incremental=%.12g", i, full.At(i, 0), incr.At(i, 0))
		}
	}
	if cache.Len() != len(ids) {
		t.Fatalf("cache length %d, want %d", cache.Len(), len(ids))
	}
}

// The cache-free inference path must agree with the training forward
// exactly, since they run the same arithmetic.
func TestForwardInferenceMatchesForward(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ids := []int{2, 9, 44, 17}

	train, err := m.Forward(ids)
	if err != nil {
		t.Fatal(err)
	}
	infer, err := m.ForwardInference(ids)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(train, infer) {
		t.Fatal("inference forward diverged from training forward")
	}
}

// Changing a token must not move any logit at an earlier position.
func TestModelCausality(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	base := []int{7, 21, 35, 42, 50}
	changed := []int{7, 21, 35, 63, 50}

	Y1, err := m.Forward(base)
	if err != nil {
		t.Fatal(err)
	}
	L1 := m.Logits(Y1)
	Y2, err := m.Forward(changed)
	if err != nil {
		t.Fatal(err)
	}
	L2 := m.Logits(Y2)

	V, _ := L1.Dims()
	for t2 := 0; t2 < 3; t2++ {
		for i := 0; i < V; i++ {
			if L1.At(i, t2) != L2.At(i, t2) {
				t.Fatalf("logit[%d,%d] changed after editing position 3", i, t2)
			}
		}
	}
}

func TestEmbedSequenceOverflow(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	long := make([]int, m.Cfg.SeqLen+1)
	if _, err := m.EmbedSequence(long); !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("got %v, want ErrContextOverflow", err)
	}
	if _, err := m.Forward([]int{1, 2, 999}); err == nil {
		t.Fatal("out-of-vocab id accepted")
	}
}

func TestForwardLastOverflow(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	cache := m.NewCache()
	for i := 0; i < m.Cfg.SeqLen; i++ {
		if _, err := m.ForwardLast(1, cache); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if _, err := m.ForwardLast(1, cache); !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("got %v, want ErrContextOverflow past the window", err)
	}
}
