package translate

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Static serves translations from a fixed table. It never fails for a word
// it knows, which makes it useful offline and in tests.
type Static struct {
	table map[string][]string
}

var _ Provider = (*Static)(nil)

// TranslationsYAML is the on-disk shape of a static table.
type TranslationsYAML struct {
	Words map[string][]string `yaml:"words"`
}

// NewStatic builds a provider from word -> translations.
func NewStatic(table map[string][]string) *Static {
	t := make(map[string][]string, len(table))
	for w, tr := range table {
		t[w] = Normalize(tr)
	}
	return &Static{table: t}
}

// LoadStatic reads a YAML translations file.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("read translations: %w", err)
	}
	return ParseStatic(data)
}

// ParseStatic parses YAML translations.
func ParseStatic(data []byte) (*Static, error) {
	var doc TranslationsYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse translations: %w", err)
	}
	return NewStatic(doc.Words), nil
}

func (s *Static) Translate(_ context.Context, word string) ([]string, error) {
	tr, ok := s.table[word]
	if !ok || len(tr) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, word)
	}
	return append([]string(nil), tr...), nil
}

// Words returns the source words the table covers, sorted.
func (s *Static) Words() []string {
	words := make([]string, 0, len(s.table))
	for w := range s.table {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
