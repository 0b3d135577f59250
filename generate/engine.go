package generate

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"gptcore/params"
	"gptcore/transformer"
)

// Strategy selects how the next token is drawn from the distribution.
type Strategy int

const (
	Greedy Strategy = iota
	TopK
	TopP
)

func (s Strategy) String() string {
	switch s {
	case Greedy:
		return "greedy"
	case TopK:
		return "topk"
	case TopP:
		return "topp"
	}
	return "unknown"
}

// WindowPolicy controls what happens when the sequence would outgrow the
// context window mid-generation.
type WindowPolicy int

const (
	// WindowSlide drops the oldest tokens to make room.
	WindowSlide WindowPolicy = iota
	// WindowStrict refuses requests that could not complete in-window.
	WindowStrict
)

func (w WindowPolicy) String() string {
	if w == WindowStrict {
		return "strict"
	}
	return "slide"
}

// State is the lifecycle of one generation.
type State int

const (
	StateEncoding State = iota
	StateDecoding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateEncoding:
		return "encoding"
	case StateDecoding:
		return "decoding"
	}
	return "stopped"
}

type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxLength StopReason = "max_length"
)

// Request describes one generation job.
type Request struct {
	Prompt        string
	MaxNewTokens  int
	Strategy      Strategy
	TopK          int
	TopP          float64
	Temperature   float64 // 0 means greedy regardless of Strategy
	Seed          int64
	Window        WindowPolicy
	IncludePrompt bool
}

// Result is the completed output of a request.
type Result struct {
	ID         string
	Text       string
	TokenIDs   []int
	StopReason StopReason
}

// Tokenizer is the text codec the engine speaks through. The learned
// byte-pair tokenizer satisfies it.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) (string, error)
	VocabSize() int
}

// Engine drives autoregressive decoding over a trained model. The model
// is treated as a read-only snapshot: every forward the engine issues is
// cache-free on the model side, so one engine can serve any number of
// concurrent generations without synchronization.
type Engine struct {
	model *transformer.Model
	tok   Tokenizer
}

func NewEngine(m *transformer.Model, tok Tokenizer) *Engine {
	return &Engine{model: m, tok: tok}
}

// Generation is one in-flight request. Callers either pump Step
// themselves for streaming or call Engine.Generate for the whole thing.
type Generation struct {
	id    string
	req   Request
	eng   *Engine
	rng   *rand.Rand
	state State
	stop  StopReason

	ids      []int // current window, prompt plus produced tokens
	prompt   []int // in-window prompt ids, frozen at Start
	produced []int
	cache    *transformer.Cache
	slid     bool
	lastID   int
}

// Start validates the request, encodes the prompt, and returns a
// generation positioned before its first token. Nothing is decoded yet,
// so a failed Start has no partial output.
func (e *Engine) Start(req Request) (*Generation, error) {
	if req.MaxNewTokens <= 0 {
		return nil, errors.New("generate: MaxNewTokens must be positive")
	}
	if req.Temperature < 0 {
		return nil, errors.New("generate: negative temperature")
	}
	promptIDs := e.tok.Encode(req.Prompt)
	ids := make([]int, 0, len(promptIDs)+1)
	ids = append(ids, params.BosID)
	ids = append(ids, promptIDs...)

	window := e.model.Cfg.SeqLen
	if req.Window == WindowStrict {
		if len(ids)+req.MaxNewTokens > window {
			return nil, errors.Wrapf(transformer.ErrContextOverflow,
				"prompt %d + max new %d tokens, window %d", len(ids), req.MaxNewTokens, window)
		}
	} else if len(ids) > window {
		// keep the most recent in-window suffix of the prompt
		ids = ids[len(ids)-window:]
	}

	g := &Generation{
		id:     uuid.New().String(),
		req:    req,
		eng:    e,
		rng:    rand.New(rand.NewSource(req.Seed)),
		state:  StateEncoding,
		ids:    ids,
		prompt: append([]int(nil), ids...),
		cache:  e.model.NewCache(),
	}
	return g, nil
}

func (g *Generation) ID() string    { return g.id }
func (g *Generation) State() State  { return g.state }
func (g *Generation) Produced() int { return len(g.produced) }

// Step advances the generation by one token. It returns the token it
// produced and whether the generation has stopped. Calling Step on a
// stopped generation is a no-op.
func (g *Generation) Step() (int, bool, error) {
	switch g.state {
	case StateStopped:
		return 0, true, nil
	case StateEncoding:
		if err := g.prefill(); err != nil {
			g.state = StateStopped
			return 0, true, err
		}
		g.state = StateDecoding
	}

	logits, err := g.nextLogits()
	if err != nil {
		g.state = StateStopped
		return 0, true, err
	}
	tok := g.sample(logits)
	g.produced = append(g.produced, tok)
	g.append(tok)

	if tok == params.EosID {
		g.stop = StopEOS
		g.state = StateStopped
		return tok, true, nil
	}
	if len(g.produced) >= g.req.MaxNewTokens {
		g.stop = StopMaxLength
		g.state = StateStopped
		return tok, true, nil
	}
	return tok, false, nil
}

// prefill feeds the prompt through the KV cache so the first decode step
// sees logits for the final prompt position.
func (g *Generation) prefill() error {
	for _, id := range g.ids[:len(g.ids)-1] {
		if _, err := g.eng.model.ForwardLast(id, g.cache); err != nil {
			return err
		}
	}
	g.lastID = g.ids[len(g.ids)-1]
	return nil
}

// nextLogits returns the (V x 1) logits for the position after the last
// token. The incremental path is used until the window slides; after
// that the positional table no longer lines up with the cache, so every
// step recomputes over the current window.
func (g *Generation) nextLogits() (*mat.Dense, error) {
	if !g.slid {
		return g.eng.model.ForwardLast(g.lastID, g.cache)
	}
	Y, err := g.eng.model.ForwardInference(g.ids)
	if err != nil {
		return nil, err
	}
	_, T := Y.Dims()
	return g.eng.model.LogitsAt(Y, T-1), nil
}

// append admits tok into the window, sliding if it is full.
func (g *Generation) append(tok int) {
	window := g.eng.model.Cfg.SeqLen
	if len(g.ids) >= window {
		g.ids = append(g.ids[1:], tok)
		g.slid = true
		return
	}
	g.ids = append(g.ids, tok)
	g.lastID = tok
}

func (g *Generation) sample(logits *mat.Dense) int {
	V, _ := logits.Dims()
	row := make([]float64, V)
	for i := 0; i < V; i++ {
		row[i] = logits.At(i, 0)
	}
	if g.req.Temperature == 0 || g.req.Strategy == Greedy {
		return argmax(row)
	}
	for i := range row {
		row[i] /= g.req.Temperature
	}
	probs := softmaxSlice(row)
	switch g.req.Strategy {
	case TopK:
		probs = applyTopK(probs, g.req.TopK)
	case TopP:
		probs = applyTopP(probs, g.req.TopP)
	}
	return sampleFromDistribution(probs, g.rng)
}

// Result assembles the final output. Valid once the generation stops.
func (g *Generation) Result() (*Result, error) {
	out := g.produced
	if n := len(out); n > 0 && out[n-1] == params.EosID {
		out = out[:n-1]
	}
	var decodeIDs []int
	if g.req.IncludePrompt {
		decodeIDs = append(decodeIDs, g.prompt...)
	}
	decodeIDs = append(decodeIDs, out...)
	text, err := g.eng.tok.Decode(decodeIDs)
	if err != nil {
		return nil, err
	}
	return &Result{
		ID:         g.id,
		Text:       text,
		TokenIDs:   append([]int(nil), out...),
		StopReason: g.stop,
	}, nil
}

// Generate runs a request to completion.
func (e *Engine) Generate(req Request) (*Result, error) {
	g, err := e.Start(req)
	if err != nil {
		return nil, err
	}
	for {
		_, done, err := g.Step()
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return g.Result()
}
