package extraction

import "strings"

// sentenceEnds are the runes a chunk boundary prefers to follow.
const sentenceEnds = "。！？!?；\n"

// chunk is a window of the essay. start is its rune offset in the full text.
type chunk struct {
	index int
	start int
	runes []rune
}

func (c chunk) text() string { return string(c.runes) }

// splitChunks cuts text into windows of at most size runes, each sharing
// overlap runes with its predecessor. A window ends after the last sentence
// terminator in its second half when there is one, so sentences are rarely
// split. Texts no longer than size yield a single chunk.
func splitChunks(text string, size, overlap int) []chunk {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []chunk{{start: 0, runes: runes}}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []chunk
	start := 0
	for start < len(runes) {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end - 1; i > start+size/2; i-- {
				if strings.ContainsRune(sentenceEnds, runes[i]) {
					end = i + 1
					break
				}
			}
		}
		chunks = append(chunks, chunk{index: len(chunks), start: start, runes: runes[start:end]})
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
