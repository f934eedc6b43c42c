package matching

import (
	"strings"
	"unicode"
)

// ExtractTerms tokenizes free text for matching: lowercase, strip everything
// but letters, digits and hyphens, split on whitespace, then drop short
// tokens and stop words. Order of first use is preserved.
func ExtractTerms(text string, cfg *TermConfig) []string {
	if cfg == nil {
		cfg = DefaultTermConfig()
	}
	cleaned := normalize(text)
	fields := strings.Fields(cleaned)
	out := make([]string, 0, len(fields))
	for _, tok := range fields {
		tok = strings.Trim(tok, "-")
		if len(tok) <= 2 {
			continue
		}
		if cfg.IsStopWord(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// BuildNGrams joins a sliding window of n tokens with single spaces.
func BuildNGrams(tokens []string, n int) []string {
	if n <= 0 || len(tokens) < n {
		return nil
	}
	out := make([]string, 0, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		out = append(out, strings.Join(tokens[i:i+n], " "))
	}
	return out
}

// KeyPhrases extracts the de-duplicated terms of a control's text in first
// occurrence order. This feeds the coarse containment recompute in gap
// analysis, which checks phrases as substrings rather than exact tokens.
func KeyPhrases(text string, cfg *TermConfig) []string {
	terms := ExtractTerms(text, cfg)
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func normalize(text string) string {
	lower := strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}
