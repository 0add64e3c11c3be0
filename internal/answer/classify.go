package answer

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
)

// Answer is a final reply ready for display.
type Answer struct {
	// Text is the reply with tool markers removed.
	Text string `json:"text"`

	// HTML is the renderable payload when IsHTML is set.
	HTML   string `json:"html,omitempty"`
	IsHTML bool   `json:"is_html"`
}

// Classify decides how a final assistant reply should be rendered.
func Classify(content string) Answer {
	text := strings.TrimSpace(StripToolMarkers(content))

	if candidate, ok := ExtractHTML(text); ok && IsHTML(candidate) {
		return Answer{Text: text, HTML: candidate, IsHTML: true}
	}
	if IsHTML(text) {
		return Answer{Text: text, HTML: text, IsHTML: true}
	}
	return Answer{Text: text}
}

var md = goldmark.New()

// RenderMarkdown converts a plain-text reply to HTML. Raw HTML inside
// the text is escaped.
func RenderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
