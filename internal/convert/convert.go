// Package convert turns raw uploads into plain text the indexing
// pipeline can chunk. Converters are keyed by MIME type; unknown types
// fall back to a UTF-8 passthrough.
package convert

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Result is the output of a conversion.
type Result struct {
	Text     string
	Metadata map[string]string
}

// Converter extracts text from one family of MIME types.
type Converter interface {
	// Supports reports whether the converter handles the MIME type.
	Supports(mimeType string) bool
	// Convert extracts text from the raw bytes.
	Convert(data []byte, mimeType string) (*Result, error)
}

// Registry resolves converters by MIME type, first match wins.
type Registry struct {
	converters []Converter
}

// NewRegistry creates a registry with the built-in text converter
// registered last as the fallback.
func NewRegistry(converters ...Converter) *Registry {
	return &Registry{converters: append(converters, textConverter{})}
}

// Convert dispatches to the first converter supporting the MIME type.
func (r *Registry) Convert(data []byte, mimeType string) (*Result, error) {
	mimeType = normalizeMIME(mimeType)
	for _, c := range r.converters {
		if c.Supports(mimeType) {
			return c.Convert(data, mimeType)
		}
	}
	return nil, fmt.Errorf("no converter for %q", mimeType)
}

func normalizeMIME(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// textConverter passes through any text-like payload.
type textConverter struct{}

func (textConverter) Supports(mimeType string) bool {
	return mimeType == "" ||
		strings.HasPrefix(mimeType, "text/") ||
		mimeType == "application/json" ||
		mimeType == "application/x-ndjson" ||
		mimeType == "application/xml"
}

func (textConverter) Convert(data []byte, mimeType string) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("payload is not valid UTF-8")
	}
	return &Result{
		Text:     string(data),
		Metadata: map[string]string{"mime_type": mimeType},
	}, nil
}
