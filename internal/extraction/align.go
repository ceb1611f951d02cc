package extraction

import (
	"strings"
	"unicode"

	"github.com/amibaren/essaygrader/internal/domain"
)

// aligner locates extraction snippets inside one chunk. Snippets are
// expected in reading order, so each search starts at the previous match;
// a snippet the model returned out of order is retried from the beginning.
type aligner struct {
	runes  []rune
	cursor int
}

// locate returns the half-open rune span of snippet within the chunk.
func (a *aligner) locate(snippet string) (start, end int, ok bool) {
	needle := []rune(strings.TrimFunc(snippet, unicode.IsSpace))
	if len(needle) == 0 {
		return 0, 0, false
	}
	i := indexRunes(a.runes, needle, a.cursor)
	if i < 0 {
		i = indexRunes(a.runes, needle, 0)
	}
	if i < 0 {
		return 0, 0, false
	}
	a.cursor = i + len(needle)
	return i, i + len(needle), true
}

func indexRunes(hay, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(hay); i++ {
		match := true
		for j, r := range needle {
			if hay[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// AlignItems copies items located in the full essay text, re-anchoring any
// whose offsets do not match their text. Like the chunk aligner it searches
// forward from the previous item, so repeated snippets keep distinct spans.
// Items whose text does not occur are dropped.
func AlignItems(items []domain.ExtractionItem, text []rune) []domain.ExtractionItem {
	al := &aligner{runes: text}
	out := make([]domain.ExtractionItem, 0, len(items))
	for _, it := range domain.CloneItems(items) {
		if it.Text == "" {
			continue
		}
		if it.Start >= 0 && it.Start <= it.End && it.End <= len(text) && string(text[it.Start:it.End]) == it.Text {
			al.cursor = it.End
			out = append(out, it)
			continue
		}
		start, end, ok := al.locate(it.Text)
		if !ok {
			continue
		}
		it.Start, it.End, it.Text = start, end, string(text[start:end])
		out = append(out, it)
	}
	return out
}
