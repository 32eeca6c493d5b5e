// Package dictionary provides the source-language words a match is built from.
package dictionary

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrEmpty     = errors.New("dictionary: no words")
	ErrNotEnough = errors.New("dictionary: not enough words")
)

// Dictionary is an immutable list of distinct words.
type Dictionary struct {
	words []string
}

// New builds a dictionary from words, trimming blanks and dropping duplicates.
func New(words []string) *Dictionary {
	cleaned := lo.Uniq(lo.FilterMap(words, func(w string, _ int) (string, bool) {
		w = strings.TrimSpace(w)
		return w, w != ""
	}))
	return &Dictionary{words: cleaned}
}

// Load reads a dictionary file, one word per line. Lines starting with '#'
// are comments.
func Load(path string) (*Dictionary, error) {
	f, err := os.Open(path) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("dictionary: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("dictionary: %s: %w", path, err)
	}
	return d, nil
}

// Read parses a dictionary from r.
func Read(r io.Reader) (*Dictionary, error) {
	var words []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	d := New(words)
	if d.Len() == 0 {
		return nil, ErrEmpty
	}
	return d, nil
}

// Len returns the number of distinct words.
func (d *Dictionary) Len() int {
	return len(d.words)
}

// Words returns a copy of the word list.
func (d *Dictionary) Words() []string {
	return append([]string(nil), d.words...)
}

// Pick returns n distinct words in random order. A nil rng uses the global
// source.
func (d *Dictionary) Pick(n int, rng *rand.Rand) ([]string, error) {
	if n > len(d.words) {
		return nil, fmt.Errorf("%w: want %d have %d", ErrNotEnough, n, len(d.words))
	}
	perm := rand.Perm
	if rng != nil {
		perm = rng.Perm
	}
	idx := perm(len(d.words))[:n]
	return lo.Map(idx, func(i int, _ int) string { return d.words[i] }), nil
}
