package search

import (
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"
)

var englishStopwords = stopwords.MustGet("en")

// isJoiner returns true for punctuation that commonly appears inside
// names/terms and should not split a token: "O'Brien", "Jean-Luc", "AT&T".
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘',
		'-', '–', '—',
		'·', '.', '_', '/', '#', '&':
		return true
	default:
		return false
	}
}

// canonicalize folds text to lowercase, preserves letters, digits, and
// joiners, replaces everything else with a single space, and collapses runs.
// Pattern text and query text go through the same function so they meet in
// the same form.
func canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	if len(result) > 0 && result[len(result)-1] == ' ' {
		result = result[:len(result)-1]
	}
	return result
}

// tokenize splits canonicalized text into tokens, trimming joiner runes left
// dangling at token edges ("cave." -> "cave").
func tokenize(s string) []string {
	fields := strings.Fields(canonicalize(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, isJoiner)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// buildMatch turns a raw user query into an FTS5 MATCH expression: each token
// double-quoted (so punctuation and FTS operators in user input stay inert)
// and implicitly ANDed. Stopwords are dropped unless that would empty the
// query, in which case the original tokens stand. Returns "" for a query with
// no tokens at all.
func buildMatch(query string) string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return ""
	}

	kept := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !englishStopwords.Contains(tok) {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		kept = tokens
	}

	quoted := make([]string, len(kept))
	for i, tok := range kept {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}
