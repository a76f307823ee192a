package document

import (
	"strings"
	"testing"

	"github.com/nmoray/ragcore/internal/log"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantType Type
		wantLang string
	}{
		{
			name:     "valid json object",
			content:  `{"name": "test", "value": 42}`,
			wantType: TypeJSON,
		},
		{
			name:     "valid json array",
			content:  `[1, 2, 3]`,
			wantType: TypeJSON,
		},
		{
			name:     "malformed json",
			content:  `{"name": "test", "value":`,
			wantType: TypeInvalidJSON,
		},
		{
			name:     "markdown heading",
			content:  "# Title\n\nSome body text.",
			wantType: TypeMarkdown,
		},
		{
			name:     "markdown fence",
			content:  "Intro\n```go\nfunc main() {}\n```",
			wantType: TypeMarkdown,
		},
		{
			name:     "typescript before javascript",
			content:  "interface User {\n  name: string;\n}\nfunction greet(u: User) {}",
			wantType: TypeCode,
			wantLang: "typescript",
		},
		{
			name:     "go source",
			content:  "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}",
			wantType: TypeCode,
			wantLang: "go",
		},
		{
			name:     "python source",
			content:  "def handler(event):\n    return event\n\nclass Worker:\n    pass",
			wantType: TypeCode,
			wantLang: "python",
		},
		{
			name:     "javascript source",
			content:  "const add = (a, b) => a + b\nfunction main() { return add(1, 2) }",
			wantType: TypeCode,
			wantLang: "javascript",
		},
		{
			name:     "plain text",
			content:  "Just an ordinary sentence about nothing in particular.",
			wantType: TypeText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, lang := detect(tt.content)
			if typ != tt.wantType {
				t.Errorf("detect() type = %q, want %q", typ, tt.wantType)
			}
			if lang != tt.wantLang {
				t.Errorf("detect() language = %q, want %q", lang, tt.wantLang)
			}
		})
	}
}

func TestProcessInvalidJSONStillChunks(t *testing.T) {
	p := New(log.NewNop())
	res := p.Process(`{"broken": `, Options{ChunkSize: 100})

	if res.Type != TypeInvalidJSON {
		t.Errorf("type = %q, want invalid_json", res.Type)
	}
	if len(res.Chunks) == 0 {
		t.Error("invalid JSON must still produce chunks")
	}
}

func TestProcessJSONFlattening(t *testing.T) {
	p := New(log.NewNop())
	res := p.Process(`{"user": {"name": "amy", "age": 30}, "tags": ["a", "b"]}`, Options{ChunkSize: 500})

	if res.Type != TypeJSON {
		t.Fatalf("type = %q, want json", res.Type)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("expected single chunk, got %d", len(res.Chunks))
	}
	content := res.Chunks[0].Content
	for _, want := range []string{"user.name: amy", "user.age: 30", "tags[0]: a", "tags[1]: b"} {
		if !strings.Contains(content, want) {
			t.Errorf("flattened output missing %q:\n%s", want, content)
		}
	}
}

func TestProcessJSONDeterministicOrder(t *testing.T) {
	p := New(log.NewNop())
	in := `{"zebra": 1, "apple": 2, "mango": 3}`

	first := p.Process(in, Options{ChunkSize: 500})
	second := p.Process(in, Options{ChunkSize: 500})
	if first.Chunks[0].Content != second.Chunks[0].Content {
		t.Error("JSON flattening is not deterministic across runs")
	}
	// Keys sorted.
	content := first.Chunks[0].Content
	if strings.Index(content, "apple") > strings.Index(content, "zebra") {
		t.Errorf("keys not sorted: %s", content)
	}
}

func TestProcessCodeKeepsFunctionsWhole(t *testing.T) {
	src := `func add(a, b int) int {
	if a > 0 {
		return a + b
	}
	return b
}

func sub(a, b int) int {
	return a - b
}`
	p := New(log.NewNop())
	res := p.Process("package calc\n\n"+src, Options{ChunkSize: 2000})

	if res.Type != TypeCode {
		t.Fatalf("type = %q, want code", res.Type)
	}
	joined := ""
	for _, c := range res.Chunks {
		joined += c.Content
	}
	// The brace-balanced scanner must not cut inside the if-block.
	if !strings.Contains(joined, "if a > 0 {\n\t\treturn a + b\n\t}") {
		t.Error("function body was split across sections")
	}
}

func TestProcessCodeSectionBoundaries(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("package big\n\n")
	for i := 0; i < 20; i++ {
		sb.WriteString("func f")
		sb.WriteByte(byte('a' + i))
		sb.WriteString("() {\n\treturn\n}\n\n")
	}
	p := New(log.NewNop())
	res := p.Process(sb.String(), Options{ChunkSize: 120, ChunkOverlap: 0})

	if len(res.Chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(res.Chunks))
	}
	for _, c := range res.Chunks {
		opens := strings.Count(c.Content, "{")
		closes := strings.Count(c.Content, "}")
		if opens != closes {
			t.Errorf("chunk %d is not brace balanced: %d open, %d close", c.Index, opens, closes)
		}
	}
}

func TestProcessMarkdownKeepsHeadingWithBody(t *testing.T) {
	md := "# First\n" + strings.Repeat("body line one\n", 10) +
		"# Second\n" + strings.Repeat("body line two\n", 10)
	p := New(log.NewNop())
	res := p.Process(md, Options{ChunkSize: 120, ChunkOverlap: 0})

	if res.Type != TypeMarkdown {
		t.Fatalf("type = %q, want markdown", res.Type)
	}
	if len(res.Chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(res.Chunks))
	}
	// The second heading must start its own chunk, not trail the first body.
	var holds []int
	for _, c := range res.Chunks {
		if strings.Contains(c.Content, "# Second") {
			holds = append(holds, c.Index)
			if !strings.HasPrefix(strings.TrimSpace(c.Content), "# Second") {
				t.Errorf("heading buried mid-chunk: %q", c.Content[:40])
			}
		}
	}
	if len(holds) == 0 {
		t.Error("second heading missing from output")
	}
}

func TestProcessChunkIndicesContiguous(t *testing.T) {
	p := New(log.NewNop())
	res := p.Process(strings.Repeat("text ", 1000), Options{ChunkSize: 300, ChunkOverlap: 30})

	for i, c := range res.Chunks {
		if c.Index != i {
			t.Errorf("chunk at position %d has index %d", i, c.Index)
		}
	}
}
