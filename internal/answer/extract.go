// Package answer decides whether a final model reply is HTML and pulls
// the renderable payload out of surrounding commentary. The rules are
// heuristics; callers depend only on [ExtractHTML], [IsHTML] and
// [Classify].
package answer

import (
	"regexp"
	"strings"

	"golang.org/x/net/html/atom"
)

var (
	toolSectionRe = regexp.MustCompile(`(?s)<\|tool_calls_section_begin\|>.*?(?:<\|tool_calls_section_end\|>|$)`)
	toolCallRe    = regexp.MustCompile(`(?s)<tool_call>.*?(?:</tool_call>|$)`)
	sentinelRe    = regexp.MustCompile(`<\|[A-Za-z0-9_:.\-]*\|>`)

	doctypeRe = regexp.MustCompile(`(?i)<!doctype\s`)
	htmlTagRe = regexp.MustCompile(`(?i)<html[\s>]`)

	// Block-level tags searched in step 5. Group 1 is the tag name.
	blockOpenRe = regexp.MustCompile(`(?i)<(div|body|section|article|main|table|ul|ol|h[1-6]|p)[\s>]`)

	// Any opening tag: name, optional attributes, optional self-close.
	openTagRe  = regexp.MustCompile(`<([A-Za-z][A-Za-z0-9-]*)(?:\s[^<>]*?)?(/?)>`)
	closeTagRe = regexp.MustCompile(`</[A-Za-z][A-Za-z0-9-]*\s*>`)
)

// Runes some tokenizers leak into decoded text.
var sentinelRunes = strings.NewReplacer(
	"\uFFFD", "",
	"\u200B", "",
	"\u200C", "",
	"\u200D", "",
	"\uFEFF", "",
)

// StripToolMarkers removes leaked tool-call syntax and sentinel tokens.
func StripToolMarkers(text string) string {
	text = toolSectionRe.ReplaceAllString(text, "")
	text = toolCallRe.ReplaceAllString(text, "")
	text = sentinelRe.ReplaceAllString(text, "")
	return sentinelRunes.Replace(text)
}

// ExtractHTML returns the HTML payload embedded in text, trimming any
// commentary before or after it. The boolean is false when text holds
// no HTML at all.
func ExtractHTML(text string) (string, bool) {
	text = strings.TrimSpace(StripToolMarkers(text))
	if text == "" {
		return "", false
	}

	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return text, true
	}

	if loc := doctypeRe.FindStringIndex(text); loc != nil {
		return text[loc[0]:], true
	}
	if loc := htmlTagRe.FindStringIndex(text); loc != nil {
		return text[loc[0]:], true
	}

	if m := blockOpenRe.FindStringSubmatchIndex(text); m != nil {
		start := m[0]
		closeRe := regexp.MustCompile(`(?i)</` + text[m[2]:m[3]] + `\s*>`)
		if closes := closeRe.FindAllStringIndex(text[start:], -1); len(closes) > 0 {
			return text[start : start+closes[len(closes)-1][1]], true
		}
	}

	if loc := openTagRe.FindStringIndex(text); loc != nil {
		rest := text[loc[0]:]
		closes := closeTagRe.FindAllStringIndex(rest, -1)
		if len(closes) == 0 {
			return rest, true
		}
		last := closes[len(closes)-1]
		return rest[:last[1]], true
	}

	return "", false
}

// Elements that never take a closing tag.
var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true,
	atom.Embed: true, atom.Hr: true, atom.Img: true, atom.Input: true,
	atom.Link: true, atom.Meta: true, atom.Source: true, atom.Track: true,
	atom.Wbr: true,
}

// IsHTML reports whether text looks like HTML markup rather than prose
// or code that happens to contain angle brackets. It needs at least one
// complete tag naming a real HTML element: a paired open and close, a
// self-closing tag, or a void element.
func IsHTML(text string) bool {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "<") || !strings.Contains(text, ">") {
		return false
	}
	if strings.Contains(strings.ToLower(text), "<!doctype html") {
		return true
	}

	for _, m := range openTagRe.FindAllStringSubmatchIndex(text, -1) {
		name := strings.ToLower(text[m[2]:m[3]])
		a := atom.Lookup([]byte(name))
		if a == 0 {
			continue
		}
		if m[5] > m[4] || voidElements[a] {
			return true
		}
		if strings.Contains(strings.ToLower(text[m[1]:]), "</"+name) {
			return true
		}
	}
	return false
}
