package schema

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	minTokenRunes  = 2
	maxTokenBytes  = 64
	maxWholeTokens = 128
)

// Fold normalizes text for matching: diacritics are removed and case is folded.
// Transformers keep state, so a fresh chain is built per call.
func Fold(s string) string {
	chain := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(chain, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// Tokenize splits text into distinct tokens using rule.
func Tokenize(text string, rule Tokenizer) []string {
	folded := Fold(text)

	if rule == TokenizeWhole {
		token := strings.TrimSpace(strings.ReplaceAll(folded, "\x00", ""))
		if token == "" {
			return nil
		}
		return []string{truncate(token, maxWholeTokens)}
	}

	words := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(words))
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if utf8.RuneCountInString(w) < minTokenRunes {
			continue
		}
		w = truncate(w, maxTokenBytes)
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		tokens = append(tokens, w)
	}
	return tokens
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
