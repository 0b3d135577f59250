package IO

import (
	"bufio"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"

	"gptcore/params"
	"gptcore/tokenizer"
)

// maxLineBytes bounds a single corpus line; longer lines fail loudly
// instead of being silently split by the scanner.
const maxLineBytes = 4 << 20

// ReadLines streams path line by line into fn, stopping on the first
// error fn returns.
func ReadLines(path string, fn func(line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "corpus: open")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := fn(sc.Text()); err != nil {
			return err
		}
	}
	return errors.Wrap(sc.Err(), "corpus: scan")
}

// LoadCorpusLines reads the whole file as a line slice, for tokenizer
// training which needs repeated passes.
func LoadCorpusLines(path string) ([]string, error) {
	var lines []string
	err := ReadLines(path, func(line string) error {
		if line != "" {
			lines = append(lines, line)
		}
		return nil
	})
	return lines, err
}

// TokenizeFile encodes every line and joins them with end-of-sequence
// markers, producing one flat id stream for windowing.
func TokenizeFile(path string, tok *tokenizer.BPE) ([]int, error) {
	var ids []int
	err := ReadLines(path, func(line string) error {
		if line == "" {
			return nil
		}
		ids = append(ids, tok.Encode(line)...)
		ids = append(ids, params.EosID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExportTokenIDs writes ids as little-endian uint32 so a tokenized
// corpus only has to be computed once.
func ExportTokenIDs(path string, ids []int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "token export: create")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, id := range ids {
		if id < 0 || uint64(id) > uint64(^uint32(0)) {
			return errors.Errorf("token export: id %d does not fit uint32", id)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(id)); err != nil {
			return errors.Wrap(err, "token export: write")
		}
	}
	return errors.Wrap(w.Flush(), "token export: flush")
}

// LoadTokenIDs reads a file written by ExportTokenIDs.
func LoadTokenIDs(path string) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "token load: read")
	}
	if len(raw)%4 != 0 {
		return nil, errors.Errorf("token load: %d bytes is not a whole number of uint32s", len(raw))
	}
	ids := make([]int, len(raw)/4)
	for i := range ids {
		ids[i] = int(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return ids, nil
}
