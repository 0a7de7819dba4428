// Package chunk splits document text into overlapping windows for embedding.
// Windows are snapped to semantic boundaries (paragraph breaks, sentence
// ends, clause separators) so chunks do not cut words or sentences in half
// when a nearby boundary exists.
package chunk

import "strings"

// separators lists the boundary markers searched for when snapping a chunk
// end, in precedence order: paragraph break, line break, sentence ends,
// clause separators, then any space.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", ";", ":", " "}

// boundaryWindow is how far back from the raw cut point the snapping search
// looks for a separator.
const boundaryWindow = 100

// Chunk is one contiguous slice of the input text. Start and End are byte
// offsets into the original string, with Text == input[Start:End].
type Chunk struct {
	Text  string
	Start int
	End   int
}

// Split cuts text into chunks of at most size bytes with the given overlap
// between consecutive chunks. Chunk ends are snapped backward to the
// highest-precedence separator found within the trailing boundary window.
// Start offsets are strictly increasing; empty chunks are suppressed.
// Overlap values that would stall the window are corrected to half the
// chunk size so progress is always made.
func Split(text string, size, overlap int) []Chunk {
	if len(text) == 0 || size <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + size
		if end > len(text) {
			end = len(text)
		}

		if end < len(text) {
			if snapped := snapToSeparator(text, start, end); snapped > start {
				end = snapped
			}
		}

		if end > start {
			chunks = append(chunks, Chunk{Text: text[start:end], Start: start, End: end})
		}

		if end >= len(text) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + size/2
		}
		start = next
	}

	return chunks
}

// snapToSeparator searches the last boundaryWindow bytes before end for the
// highest-precedence separator present and returns the offset just past it.
// Returns 0 when no separator is found in the window.
func snapToSeparator(text string, start, end int) int {
	lo := end - boundaryWindow
	if lo < start {
		lo = start
	}
	window := text[lo:end]

	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return lo + i + len(sep)
		}
	}
	return 0
}
