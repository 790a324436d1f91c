package service

import (
	"regexp"
	"strings"
)

// Some models (Qwen3, DeepSeek-R1, MiniMax) inline their reasoning in the
// completion. None of it may reach a customer.

var (
	anyReasoningTag = regexp.MustCompile(`(?i)<\s*/?\s*(?:think(?:ing)?|thought|antthinking|final)\b`)
	finalTag        = regexp.MustCompile(`(?i)<\s*/?\s*final\b[^<>]*>`)
	// group 1 is "/" for a closing tag
	reasoningTag = regexp.MustCompile(`(?i)<\s*(/?)\s*(?:think(?:ing)?|thought|antthinking)\b[^<>]*>`)
	inlineCode   = regexp.MustCompile("`+[^`]+`+")
)

// CleanReply removes reasoning blocks and <final> markup from a generated
// reply and trims it. Tags inside fenced or inline code are kept. Everything
// after an unclosed reasoning tag is dropped.
func CleanReply(text string) string {
	if !anyReasoningTag.MatchString(text) {
		return strings.TrimSpace(text)
	}

	text = removeOutsideCode(text, finalTag.FindAllStringIndex(text, -1))

	code := codeSpans(text)
	var b strings.Builder
	b.Grow(len(text))
	last, open := 0, false
	for _, m := range reasoningTag.FindAllStringSubmatchIndex(text, -1) {
		if inSpan(m[0], code) {
			continue
		}
		closing := m[2] != m[3]
		switch {
		case !open:
			b.WriteString(text[last:m[0]])
			open = !closing
		case closing:
			open = false
		}
		last = m[1]
	}
	if !open {
		b.WriteString(text[last:])
	}
	return strings.TrimSpace(b.String())
}

func removeOutsideCode(text string, matches [][]int) string {
	if len(matches) == 0 {
		return text
	}
	code := codeSpans(text)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		if !inSpan(m[0], code) {
			text = text[:m[0]] + text[m[1]:]
		}
	}
	return text
}

type span struct{ start, end int }

func inSpan(pos int, spans []span) bool {
	for _, s := range spans {
		if pos >= s.start && pos < s.end {
			return true
		}
	}
	return false
}

// codeSpans returns fenced blocks (``` and ~~~, fence at line start) and
// inline code spans outside them. An unclosed fence runs to the end.
func codeSpans(text string) []span {
	spans := append(fencedBlocks(text, "```"), fencedBlocks(text, "~~~")...)
	for _, m := range inlineCode.FindAllStringIndex(text, -1) {
		if !inSpan(m[0], spans) {
			spans = append(spans, span{m[0], m[1]})
		}
	}
	return spans
}

func fencedBlocks(text, fence string) []span {
	var spans []span
	for offset := 0; offset < len(text); {
		start := indexAtLineStart(text, fence, offset)
		if start < 0 {
			break
		}
		nl := strings.IndexByte(text[start:], '\n')
		if nl < 0 {
			spans = append(spans, span{start, len(text)})
			break
		}
		end := indexAtLineStart(text, fence, start+nl+1)
		if end < 0 {
			spans = append(spans, span{start, len(text)})
			break
		}
		end += len(fence)
		if nl := strings.IndexByte(text[end:], '\n'); nl >= 0 {
			end += nl + 1
		} else {
			end = len(text)
		}
		spans = append(spans, span{start, end})
		offset = end
	}
	return spans
}

func indexAtLineStart(text, fence string, from int) int {
	for from < len(text) {
		i := strings.Index(text[from:], fence)
		if i < 0 {
			return -1
		}
		pos := from + i
		if pos == 0 || text[pos-1] == '\n' {
			return pos
		}
		from = pos + len(fence)
	}
	return -1
}
