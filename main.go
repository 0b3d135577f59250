package main

import (
	"flag"
	"fmt"
	"os"

	"gptcore/IO"
	"gptcore/generate"
	"gptcore/params"
	"gptcore/tokenizer"
	"gptcore/train"
	"gptcore/transformer"
	"gptcore/utils"
)

var (
	exportFlag  bool
	trainFlag   bool
	cliFlag     bool
	promptFlag  string
	includeFlag bool
	strictFlag  bool
	debugFlag   bool

	corpusPath string
	idsPath    string
	vocabPath  string
	ckptPath   string
	hfTokPath  string

	layersFlag, headsFlag, dModelFlag, hiddenFlag, vocabFlag, seqFlag int
	epochsFlag, batchFlag                                             int
	seedFlag                                                          int64
	maxNewFlag, topKFlag                                              int
	topPFlag, tempFlag                                                float64
	strategyFlag                                                      string
)

func init() {
	flag.BoolVar(&exportFlag, "export", false, "Train tokenizer and export binary token ids")
	flag.BoolVar(&trainFlag, "train", false, "Train the model on the exported corpus")
	flag.BoolVar(&cliFlag, "cli", false, "Interactive chat loop against a checkpoint")
	flag.StringVar(&promptFlag, "generate", "", "Generate a completion for this prompt and exit")
	flag.BoolVar(&includeFlag, "include-prompt", false, "Echo the prompt in generated output")
	flag.BoolVar(&strictFlag, "strict-window", false, "Refuse generations that cannot fit the context window")
	flag.BoolVar(&debugFlag, "debug", false, "Periodic loss logging during training")

	flag.StringVar(&corpusPath, "corpus", "data/corpus.txt", "Raw text corpus, one document per line")
	flag.StringVar(&idsPath, "ids", "data/corpus_ids.bin", "Tokenized corpus (uint32 binary)")
	flag.StringVar(&vocabPath, "vocab", "data/vocab.json", "Tokenizer vocabulary")
	flag.StringVar(&ckptPath, "checkpoint", "data/model.ckpt", "Model checkpoint")
	flag.StringVar(&hfTokPath, "hf-tokenizer", "", "Tokenize the corpus with a HuggingFace tokenizer.json instead of training one")

	flag.IntVar(&layersFlag, "layers", 0, "Transformer blocks (0 = default)")
	flag.IntVar(&headsFlag, "heads", 0, "Attention heads (0 = default)")
	flag.IntVar(&dModelFlag, "dmodel", 0, "Model width (0 = default)")
	flag.IntVar(&hiddenFlag, "hidden", 0, "MLP hidden size (0 = 4*dmodel)")
	flag.IntVar(&vocabFlag, "vocabsize", 0, "Target vocabulary size (0 = default)")
	flag.IntVar(&seqFlag, "seqlen", 0, "Context window (0 = default)")
	flag.IntVar(&epochsFlag, "epochs", 0, "Max training epochs (0 = default)")
	flag.IntVar(&batchFlag, "batch", 0, "Batch size (0 = default)")
	flag.Int64Var(&seedFlag, "seed", 1337, "Seed for weight init and sampling")

	flag.IntVar(&maxNewFlag, "max-new", 64, "Max new tokens per generation")
	flag.IntVar(&topKFlag, "topk", 40, "Top-k cutoff")
	flag.Float64Var(&topPFlag, "topp", 0.9, "Top-p (nucleus) mass")
	flag.Float64Var(&tempFlag, "temperature", 0.8, "Sampling temperature (0 = greedy)")
	flag.StringVar(&strategyFlag, "strategy", "topk", "Sampling strategy: greedy, topk, topp")
}

func buildConfig() params.Config {
	cfg := params.DefaultConfig()
	if layersFlag > 0 {
		cfg.Layers = layersFlag
	}
	if dModelFlag > 0 {
		cfg.DModel = dModelFlag
	}
	if headsFlag > 0 {
		cfg.NumHeads = utils.ChooseValidHeads(cfg.DModel, headsFlag)
	}
	if hiddenFlag > 0 {
		cfg.HiddenSize = hiddenFlag
	} else if dModelFlag > 0 {
		cfg.HiddenSize = 4 * cfg.DModel
	}
	if vocabFlag > 0 {
		cfg.VocabSize = vocabFlag
	}
	if seqFlag > 0 {
		cfg.SeqLen = seqFlag
	}
	if epochsFlag > 0 {
		cfg.MaxEpochs = epochsFlag
	}
	if batchFlag > 0 {
		cfg.BatchSize = batchFlag
	}
	cfg.Seed = uint64(seedFlag)
	cfg.Debug = debugFlag
	return cfg
}

func parseStrategy(s string) (generate.Strategy, error) {
	switch s {
	case "greedy":
		return generate.Greedy, nil
	case "topk":
		return generate.TopK, nil
	case "topp":
		return generate.TopP, nil
	}
	return generate.Greedy, fmt.Errorf("unknown strategy %q (want greedy, topk, or topp)", s)
}

func main() {
	flag.Parse()

	switch {
	case exportFlag:
		if err := runExport(); err != nil {
			fatal(err)
		}
	case trainFlag:
		if err := runTrain(); err != nil {
			fatal(err)
		}
	case promptFlag != "":
		if err := runGenerate(promptFlag); err != nil {
			fatal(err)
		}
	case cliFlag:
		if err := runChat(); err != nil {
			fatal(err)
		}
	default:
		fmt.Println("Nothing to do. Use -export, -train, -generate \"prompt\", or -cli.")
		flag.PrintDefaults()
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// runExport trains the tokenizer on the raw corpus, saves the vocab, and
// writes the id stream so training never re-tokenizes.
func runExport() error {
	cfg := buildConfig()
	if hfTokPath != "" {
		return exportWithPretrained()
	}
	lines, err := IO.LoadCorpusLines(corpusPath)
	if err != nil {
		return err
	}
	fmt.Printf("training tokenizer on %d lines, target vocab %d\n", len(lines), cfg.VocabSize)

	tok := tokenizer.New()
	if err := tok.Train(lines, cfg.VocabSize); err != nil {
		return err
	}
	if err := tok.Save(vocabPath); err != nil {
		return err
	}
	fmt.Printf("vocab: %d tokens -> %s\n", tok.VocabSize(), vocabPath)

	ids, err := IO.TokenizeFile(corpusPath, tok)
	if err != nil {
		return err
	}
	if err := IO.ExportTokenIDs(idsPath, ids); err != nil {
		return err
	}
	fmt.Printf("corpus: %d tokens -> %s\n", len(ids), idsPath)
	return nil
}

// exportWithPretrained tokenizes the corpus with an externally trained
// tokenizer.json; the id stream is still joined with EOS markers the
// same way the learned path does it.
func exportWithPretrained() error {
	p, err := tokenizer.LoadPretrained(hfTokPath)
	if err != nil {
		return err
	}
	fmt.Printf("using pretrained tokenizer %s, vocab %d\n", hfTokPath, p.VocabSize())

	var ids []int
	err = IO.ReadLines(corpusPath, func(line string) error {
		if line == "" {
			return nil
		}
		enc, err := p.Encode(line)
		if err != nil {
			return err
		}
		ids = append(ids, enc...)
		ids = append(ids, params.EosID)
		return nil
	})
	if err != nil {
		return err
	}
	if err := IO.ExportTokenIDs(idsPath, ids); err != nil {
		return err
	}
	fmt.Printf("corpus: %d tokens -> %s\n", len(ids), idsPath)
	return nil
}

func runTrain() error {
	cfg := buildConfig()

	tok := tokenizer.New()
	if err := tok.Load(vocabPath); err != nil {
		return err
	}
	// the output head must match whatever vocab the tokenizer learned
	cfg.VocabSize = tok.VocabSize()

	var ids []int
	var err error
	if _, statErr := os.Stat(idsPath); statErr == nil {
		ids, err = IO.LoadTokenIDs(idsPath)
	} else {
		ids, err = IO.TokenizeFile(corpusPath, tok)
	}
	if err != nil {
		return err
	}

	var model *transformer.Model
	if _, statErr := os.Stat(ckptPath); statErr == nil {
		fmt.Printf("resuming from %s\n", ckptPath)
		model, tok, err = IO.LoadCheckpoint(ckptPath, cfg)
	} else {
		model, err = transformer.New(cfg)
	}
	if err != nil {
		return err
	}

	tr := train.New(model, tok, cfg)
	tr.CheckpointPath = ckptPath
	fmt.Printf("training: %d tokens, %d-token window, batch %d\n", len(ids), cfg.SeqLen, cfg.BatchSize)
	return tr.Train(ids)
}

func loadEngine() (*generate.Engine, error) {
	cfg := buildConfig()
	tok := tokenizer.New()
	if err := tok.Load(vocabPath); err != nil {
		return nil, err
	}
	cfg.VocabSize = tok.VocabSize()
	model, tok, err := IO.LoadCheckpoint(ckptPath, cfg)
	if err != nil {
		return nil, err
	}
	return generate.NewEngine(model, tok), nil
}

func buildRequest(prompt string) (generate.Request, error) {
	strat, err := parseStrategy(strategyFlag)
	if err != nil {
		return generate.Request{}, err
	}
	window := generate.WindowSlide
	if strictFlag {
		window = generate.WindowStrict
	}
	return generate.Request{
		Prompt:        prompt,
		MaxNewTokens:  maxNewFlag,
		Strategy:      strat,
		TopK:          topKFlag,
		TopP:          topPFlag,
		Temperature:   tempFlag,
		Seed:          seedFlag,
		Window:        window,
		IncludePrompt: includeFlag,
	}, nil
}

func runGenerate(prompt string) error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}
	req, err := buildRequest(prompt)
	if err != nil {
		return err
	}
	res, err := eng.Generate(req)
	if err != nil {
		return err
	}
	fmt.Println(res.Text)
	fmt.Printf("[%s: %d tokens, stop=%s]\n", res.ID, len(res.TokenIDs), res.StopReason)
	return nil
}
