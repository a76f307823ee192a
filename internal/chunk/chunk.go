// Package chunk splits raw text into bounded, overlapping segments suitable
// for embedding and retrieval.
//
// Splitting prefers paragraph boundaries so that related sentences stay in
// the same segment. A paragraph larger than the target size falls back to a
// fixed-width slide with a configurable overlap, so no context is lost at
// the seam between consecutive segments.
//
// Split is pure and deterministic: re-chunking unchanged content yields
// byte-identical output.
package chunk

import "strings"

// Default sizing applied when the caller passes non-positive values.
const (
	DefaultSize    = 1000
	DefaultOverlap = 100
)

// paragraphSep is the boundary splitting and rejoining are based on.
const paragraphSep = "\n\n"

// Chunk is one bounded slice of a document's content.
// Index is zero-based and contiguous within a single Split call.
type Chunk struct {
	Index   int
	Content string
}

// Split divides text into chunks of at most size bytes, with overlap bytes
// repeated between consecutive chunks when a paragraph has to be sliced.
//
// Every chunk's length is <= size except when a single paragraph exceeds it;
// such paragraphs are sliced with overlap. Empty or whitespace-only input
// yields zero chunks.
func Split(text string, size, overlap int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		// Overlap must leave forward progress on the slide.
		overlap = size - 1
	}

	var contents []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			contents = append(contents, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, paragraphSep) {
		if para == "" {
			continue
		}

		// Paragraph fits the budget: accumulate, flushing first when the
		// separator plus paragraph would overflow the current chunk.
		if len(para) <= size {
			needed := len(para)
			if current.Len() > 0 {
				needed += len(paragraphSep)
			}
			if current.Len()+needed > size {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString(paragraphSep)
			}
			current.WriteString(para)
			continue
		}

		// Oversized paragraph: emit what we have, then slide a fixed-width
		// window with overlap across the paragraph.
		flush()
		contents = append(contents, slide(para, size, overlap)...)
	}
	flush()

	chunks := make([]Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = Chunk{Index: i, Content: c}
	}
	return chunks
}

// slide cuts s into windows of at most size bytes, stepping forward by
// size-overlap each time so consecutive windows share overlap bytes.
func slide(s string, size, overlap int) []string {
	stride := size - overlap
	var out []string
	for start := 0; start < len(s); start += stride {
		end := start + size
		if end >= len(s) {
			out = append(out, s[start:])
			break
		}
		out = append(out, s[start:end])
	}
	return out
}
