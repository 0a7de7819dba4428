package chunk

import (
	"strings"
	"testing"
)

// reconstruct joins the non-overlapping prefix of each chunk (up to the next
// chunk's start) plus the final chunk, which must rebuild the input exactly.
func reconstruct(text string, chunks []Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == len(chunks)-1 {
			b.WriteString(text[c.Start:c.End])
			break
		}
		b.WriteString(text[c.Start:chunks[i+1].Start])
	}
	return b.String()
}

func assertInvariants(t *testing.T, text string, chunks []Chunk, size int) {
	t.Helper()

	longestSep := len("\n\n")
	for i, c := range chunks {
		if c.Start < 0 || c.End > len(text) || c.Start >= c.End {
			t.Fatalf("chunk %d: bad offsets [%d,%d) for text length %d", i, c.Start, c.End, len(text))
		}
		if c.Text != text[c.Start:c.End] {
			t.Fatalf("chunk %d: text does not match offsets", i)
		}
		if len(c.Text) > size+longestSep {
			t.Errorf("chunk %d: length %d exceeds size+longest separator %d", i, len(c.Text), size+longestSep)
		}
		if i > 0 {
			if c.Start <= chunks[i-1].Start {
				t.Errorf("chunk %d: start %d not strictly increasing", i, c.Start)
			}
		}
	}
	if len(chunks) > 0 {
		if chunks[0].Start != 0 {
			t.Errorf("first chunk must start at 0, got %d", chunks[0].Start)
		}
		if chunks[len(chunks)-1].End != len(text) {
			t.Errorf("last chunk must end at %d, got %d", len(text), chunks[len(chunks)-1].End)
		}
	}
	if got := reconstruct(text, chunks); got != text {
		t.Errorf("reconstruction mismatch:\nwant %q\ngot  %q", text, got)
	}
}

func Test_Chunk_SentenceBoundarySnapping(t *testing.T) {
	t.Parallel()

	text := "A. B. C. D."
	chunks := Split(text, 6, 2)

	assertInvariants(t, text, chunks, 6)
	for i, c := range chunks {
		if len(c.Text) > 8 {
			t.Errorf("chunk %d: length %d exceeds 8", i, len(c.Text))
		}
	}
	// Every non-final chunk should end just past a ". " boundary.
	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c.Text, ". ") {
			t.Errorf("chunk %d: %q does not end at a sentence boundary", i, c.Text)
		}
	}
}

func Test_Chunk_ParagraphBoundaryPreferred(t *testing.T) {
	t.Parallel()

	// Both a paragraph break and sentence ends are in the snap window; the
	// paragraph break has higher precedence and must win.
	text := "First paragraph ends here.\n\nSecond one. It continues with more text after the break to force a second chunk."
	chunks := Split(text, 40, 5)

	assertInvariants(t, text, chunks, 40)
	if !strings.HasSuffix(chunks[0].Text, "\n\n") {
		t.Errorf("first chunk should snap to the paragraph break, got %q", chunks[0].Text)
	}
}

func Test_Chunk_ShortInputSingleChunk(t *testing.T) {
	t.Parallel()

	text := "tiny"
	chunks := Split(text, 500, 100)
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != len(text) {
		t.Errorf("single chunk must span the input, got [%d,%d)", chunks[0].Start, chunks[0].End)
	}
}

func Test_Chunk_EmptyInput(t *testing.T) {
	t.Parallel()

	if chunks := Split("", 100, 10); chunks != nil {
		t.Errorf("empty input must yield no chunks, got %d", len(chunks))
	}
}

func Test_Chunk_ForcedProgressOnDegenerateOverlap(t *testing.T) {
	t.Parallel()

	// Overlap nearly equal to size plus aggressive snapping could stall the
	// window; the splitter must force progress instead of looping forever.
	text := strings.Repeat("word ", 200)
	chunks := Split(text, 50, 49)

	assertInvariants(t, text, chunks, 50)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
}

func Test_Chunk_NoSeparatorFallsBackToHardCut(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 250)
	chunks := Split(text, 100, 10)

	assertInvariants(t, text, chunks, 100)
	if chunks[0].End != 100 {
		t.Errorf("separator-free text must hard-cut at size, got end %d", chunks[0].End)
	}
}

func Test_Chunk_Deterministic(t *testing.T) {
	t.Parallel()

	text := "Sentence one. Sentence two! Sentence three? Clause; more: done. " + strings.Repeat("filler text ", 50)
	first := Split(text, 120, 30)
	for range 5 {
		again := Split(text, 120, 30)
		if len(again) != len(first) {
			t.Fatal("re-chunking identical input changed chunk count")
		}
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("chunk %d differs between runs", i)
			}
		}
	}
}

func Test_Chunk_ConsecutiveChunksOverlap(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 30)
	chunks := Split(text, 200, 50)

	assertInvariants(t, text, chunks, 200)
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start >= chunks[i-1].End {
			t.Errorf("chunk %d: start %d must overlap previous end %d", i, chunks[i].Start, chunks[i-1].End)
		}
	}
}
