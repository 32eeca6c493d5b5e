// Package translate fetches the accepted target-language renderings of a
// source word.
package translate

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrUnavailable = errors.New("translate: service unavailable")
	ErrNoMatch     = errors.New("translate: no translation")
)

// Provider returns the accepted translations of word. A provider may fail on
// any call.
type Provider interface {
	Translate(ctx context.Context, word string) ([]string, error)
}

// Normalize lowercases and trims translations and drops empty and repeated
// entries, keeping first-seen order.
func Normalize(translations []string) []string {
	return lo.Uniq(lo.FilterMap(translations, func(t string, _ int) (string, bool) {
		t = strings.ToLower(strings.TrimSpace(t))
		return t, t != ""
	}))
}
