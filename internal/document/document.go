// Package document turns raw content into typed, chunked documents ready
// for embedding.
//
// Processing happens in two stages: content-type detection (ordered,
// specificity-first pattern checks) and structure-aware chunking that
// delegates the final slicing to the chunk package. Code is split into
// brace-balanced sections so multi-line bodies stay whole when they fit the
// chunk budget; markdown keeps a heading together with its body; JSON is
// flattened to path/value lines.
package document

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/nmoray/ragcore/internal/chunk"
)

// Type classifies document content.
type Type string

const (
	TypeCode     Type = "code"
	TypeMarkdown Type = "markdown"
	TypeJSON     Type = "json"
	TypeText     Type = "text"

	// TypeInvalidJSON marks content that looks like JSON but fails to
	// parse. Such content is passed through as opaque text rather than
	// rejected, so indexing still completes.
	TypeInvalidJSON Type = "invalid_json"
)

// Options controls chunk sizing during processing.
// Zero values fall back to the chunk package defaults.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
}

// Result is the outcome of processing one document's content.
type Result struct {
	Type     Type
	Metadata map[string]string
	Chunks   []chunk.Chunk
}

// Processor detects content structure and produces chunks.
type Processor struct {
	logger *slog.Logger
}

// New creates a Processor. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger}
}

// Process classifies content and splits it into chunks according to its
// detected structure. It never returns an error: malformed JSON degrades to
// TypeInvalidJSON with plain-text chunking.
func (p *Processor) Process(content string, opts Options) Result {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = chunk.DefaultOverlap
	}

	typ, language := detect(content)
	meta := map[string]string{"content_type": string(typ)}
	if language != "" {
		meta["language"] = language
	}

	var chunks []chunk.Chunk
	switch typ {
	case TypeJSON:
		chunks = chunkJSON(content, opts.ChunkSize)
	case TypeMarkdown:
		chunks = chunkMarkdown(content, opts.ChunkSize, opts.ChunkOverlap)
	case TypeCode:
		chunks = chunkCode(content, opts.ChunkSize, opts.ChunkOverlap)
	default:
		// text and invalid_json fall through to plain chunking.
		chunks = chunk.Split(content, opts.ChunkSize, opts.ChunkOverlap)
	}

	p.logger.Debug("processed document",
		"type", typ, "language", language, "chunks", len(chunks))

	return Result{Type: typ, Metadata: meta, Chunks: chunks}
}

// Detection patterns, checked most specific first so TypeScript is not
// misread as JavaScript and code fences are not misread as code.
var (
	markdownPattern   = regexp.MustCompile("(?m)^(#{1,6} |```|\\* |- \\[[ x]\\] )")
	typescriptPattern = regexp.MustCompile(`(?m)(^|\s)(interface \w+|type \w+ =|: (string|number|boolean)\b|enum \w+|implements \w+)`)
	goPattern         = regexp.MustCompile(`(?m)^(package \w+|func \w+|func \()`)
	pythonPattern     = regexp.MustCompile(`(?m)^(def \w+\(|class \w+[(:]|from \w+ import )`)
	javascriptPattern = regexp.MustCompile(`(?m)(function \w*\(|const \w+ = |=> |module\.exports)`)
	genericCodeStart  = regexp.MustCompile(`(?m)^(public |private |class \w+|#include )`)
)

func detect(content string) (Type, string) {
	trimmed := strings.TrimSpace(content)

	// JSON first: strict parse decides between json and invalid_json.
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return TypeJSON, ""
		}
		return TypeInvalidJSON, ""
	}

	if markdownPattern.MatchString(trimmed) {
		return TypeMarkdown, ""
	}

	switch {
	case typescriptPattern.MatchString(trimmed):
		return TypeCode, "typescript"
	case goPattern.MatchString(trimmed):
		return TypeCode, "go"
	case pythonPattern.MatchString(trimmed):
		return TypeCode, "python"
	case javascriptPattern.MatchString(trimmed):
		return TypeCode, "javascript"
	case genericCodeStart.MatchString(trimmed):
		return TypeCode, ""
	}

	return TypeText, ""
}

// sectionStart matches lines that begin a new top-level code section.
var sectionStart = regexp.MustCompile(`^(func |def |class |interface |type \w+ struct|export (default )?(function|class)|function |public |private )`)

// chunkCode splits source into brace-balanced sections and packs them into
// chunks. A counting scanner (not regex alone) tracks nesting depth so a
// section boundary is only recognized at depth zero, keeping multi-line
// function bodies intact.
func chunkCode(content string, size, overlap int) []chunk.Chunk {
	lines := strings.Split(content, "\n")

	var sections []string
	var current []string
	depth := 0

	for _, line := range lines {
		if depth == 0 && len(current) > 0 && sectionStart.MatchString(strings.TrimLeft(line, " \t")) {
			sections = append(sections, strings.Join(current, "\n"))
			current = current[:0]
		}
		current = append(current, line)
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			depth = 0
		}
	}
	if len(current) > 0 {
		sections = append(sections, strings.Join(current, "\n"))
	}

	return packSections(sections, size, overlap)
}

// chunkMarkdown groups a heading with its body, starting a new chunk when a
// heading appears and the accumulated size would exceed the budget.
func chunkMarkdown(content string, size, overlap int) []chunk.Chunk {
	lines := strings.Split(content, "\n")

	var sections []string
	var current []string
	currentLen := 0

	for _, line := range lines {
		isHeading := strings.HasPrefix(line, "#")
		if isHeading && currentLen > 0 && currentLen+len(line) > size {
			sections = append(sections, strings.Join(current, "\n"))
			current = current[:0]
			currentLen = 0
		}
		current = append(current, line)
		currentLen += len(line) + 1
	}
	if len(current) > 0 {
		sections = append(sections, strings.Join(current, "\n"))
	}

	return packSections(sections, size, overlap)
}

// chunkJSON flattens parsed JSON into sorted "path: value" lines and groups
// them into chunks by size. Ordering is made deterministic by sorting object
// keys before descending.
func chunkJSON(content string, size int) []chunk.Chunk {
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// Caller already validated; degrade to plain chunking if racing.
		return chunk.Split(content, size, 0)
	}

	var lines []string
	flattenJSON("", parsed, &lines)

	var contents []string
	var current []string
	currentLen := 0
	for _, line := range lines {
		if currentLen > 0 && currentLen+len(line)+1 > size {
			contents = append(contents, strings.Join(current, "\n"))
			current = current[:0]
			currentLen = 0
		}
		current = append(current, line)
		currentLen += len(line) + 1
	}
	if len(current) > 0 {
		contents = append(contents, strings.Join(current, "\n"))
	}

	chunks := make([]chunk.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = chunk.Chunk{Index: i, Content: c}
	}
	return chunks
}

func flattenJSON(path string, v any, out *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenJSON(joinPath(path, k), val[k], out)
		}
	case []any:
		for i, item := range val {
			flattenJSON(fmt.Sprintf("%s[%d]", path, i), item, out)
		}
	default:
		*out = append(*out, fmt.Sprintf("%s: %v", path, val))
	}
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// packSections combines consecutive sections into chunks bounded by size.
// A section that alone exceeds the budget is sliced with overlap.
func packSections(sections []string, size, overlap int) []chunk.Chunk {
	var contents []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			contents = append(contents, current.String())
			current.Reset()
		}
	}

	for _, sec := range sections {
		if strings.TrimSpace(sec) == "" {
			continue
		}
		if len(sec) > size {
			flush()
			for _, sub := range chunk.Split(sec, size, overlap) {
				contents = append(contents, sub.Content)
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(sec)+1 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(sec)
	}
	flush()

	chunks := make([]chunk.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = chunk.Chunk{Index: i, Content: c}
	}
	return chunks
}
