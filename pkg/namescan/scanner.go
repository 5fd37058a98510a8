// Package namescan finds entity name mentions in free text. One Aho-Corasick
// automaton per world, compiled from the names of every place, object, and
// character, scans narration in a single pass and reports byte-accurate
// spans in the original text.
package namescan

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"

	"github.com/kittclouds/worldfork/internal/store"
)

// isJoiner returns true for punctuation that commonly appears inside names:
// "O'Brien", "Jean-Luc", "AT&T". Preserved during canonicalization so
// multiword names stay coherent.
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

// canonicalize transforms text into the normalized form used for both
// pattern compilation and scanning. Lowercase; letters, digits, and joiners
// preserved; separator runs collapsed to one space; edges trimmed. Patterns
// and scanned text MUST go through the same function or matches drift.
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

// Mention is one detected entity reference in scanned text. Offsets are byte
// positions in the ORIGINAL text, casing preserved.
type Mention struct {
	Start    int        `json:"start"`
	End      int        `json:"end"`
	Text     string     `json:"text"`
	EntityID string     `json:"entityId"`
	Kind     store.Kind `json:"kind"`
	Name     string     `json:"name"`
}

type entityRef struct {
	id   string
	kind store.Kind
	name string
}

// Scanner matches one world's entity names against arbitrary text.
type Scanner struct {
	ac           *ahocorasick.Automaton
	patterns     []string
	patternToIDs [][]entityRef
}

// Compile builds a scanner from a world's entities. Entities whose names
// canonicalize to nothing are skipped; distinct entities sharing a name all
// get reported when that name is seen.
func Compile(entities []*store.Entity) (*Scanner, error) {
	s := &Scanner{}
	patternIndex := make(map[string]int)

	for _, e := range entities {
		key := canonicalize(e.Name)
		if key == "" {
			continue
		}
		ref := entityRef{id: e.ID, kind: e.Kind, name: e.Name}
		if idx, ok := patternIndex[key]; ok {
			s.patternToIDs[idx] = append(s.patternToIDs[idx], ref)
			continue
		}
		patternIndex[key] = len(s.patterns)
		s.patterns = append(s.patterns, key)
		s.patternToIDs = append(s.patternToIDs, []entityRef{ref})
	}

	if len(s.patterns) == 0 {
		return s, nil
	}

	// LeftmostLongest prefers "Dark Cave Entrance" over "Dark Cave".
	ac, err := ahocorasick.NewBuilder().
		AddStrings(s.patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	s.ac = ac
	return s, nil
}

// Scan reports every entity mention in text, ordered by position. Matches
// must sit on token boundaries in the canonicalized text, so "Orb" does not
// fire inside "absorbed".
func (s *Scanner) Scan(text string) []Mention {
	if s.ac == nil {
		return nil
	}

	canon := canonicalize(text)
	haystack := []byte(canon)
	canonToOrig := buildOffsetMap(text)

	var out []Mention
	for _, m := range s.ac.FindAllOverlapping(haystack) {
		if !onBoundary(haystack, m.Start, m.End) {
			continue
		}
		origStart := mapOffset(m.Start, canonToOrig, len(text))
		origEnd := mapOffset(m.End, canonToOrig, len(text))
		if origStart >= len(text) || origEnd > len(text) || origStart >= origEnd {
			continue
		}
		for _, ref := range s.patternToIDs[m.PatternID] {
			out = append(out, Mention{
				Start:    origStart,
				End:      origEnd,
				Text:     text[origStart:origEnd],
				EntityID: ref.id,
				Kind:     ref.kind,
				Name:     ref.name,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].End != out[j].End {
			return out[i].End > out[j].End
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func onBoundary(haystack []byte, start, end int) bool {
	if start > 0 && haystack[start-1] != ' ' {
		return false
	}
	if end < len(haystack) && haystack[end] != ' ' {
		return false
	}
	return true
}

// buildOffsetMap maps each byte position in the canonicalized string back to
// its position in the original, mirroring canonicalize exactly.
func buildOffsetMap(original string) []int {
	mapping := make([]int, 0, len(original)+1)

	lastWasSpace := true
	origPos := 0
	for _, ch := range original {
		runeLen := utf8.RuneLen(ch)
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}
		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			canonLen := utf8.RuneLen(c)
			for i := 0; i < canonLen; i++ {
				mapping = append(mapping, origPos)
			}
			lastWasSpace = false
		} else if !lastWasSpace {
			mapping = append(mapping, origPos)
			lastWasSpace = true
		}
		origPos += runeLen
	}
	mapping = append(mapping, origPos)
	return mapping
}

func mapOffset(canonOffset int, mapping []int, originalLen int) int {
	if canonOffset >= len(mapping) {
		return originalLen
	}
	if canonOffset < 0 {
		return 0
	}
	return mapping[canonOffset]
}
