// Package mailtext normalizes raw mail bodies into clean text for the LLM
// and RAG pipelines (shared by C6/C7/C8): HTML-to-text conversion, quoted-
// reply/signature stripping, and word-boundary truncation. The quoted-text
// heuristics are lifted nearly verbatim from
// extensions/ty-email/internal/processor.stripQuotedText, generalized with
// a caller-supplied limit instead of its hardcoded 2000 chars. HTML
// conversion is grounded on C360Studio-semspec's html-to-markdown
// dependency.
package mailtext

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

var htmlConverter = md.NewConverter("", true, nil)

// HTMLToText converts an HTML mail body to plain text, falling back to the
// raw input if conversion fails (malformed HTML is common in the wild).
func HTMLToText(html string) string {
	text, err := htmlConverter.ConvertString(html)
	if err != nil {
		return html
	}
	return text
}

// StripQuotedText removes quoted reply chains and signatures from a body,
// stopping at the first signature/reply/forward marker and dropping any
// line that begins with "&gt;" quoting.
func StripQuotedText(body string) string {
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "--" || trimmed == "-- " {
			break
		}
		if strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:") {
			break
		}
		if strings.HasPrefix(trimmed, "---------- Forwarded message") {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}

		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Truncate cuts body to at most maxLen bytes, backing off to the nearest
// preceding word boundary so words aren't split mid-token, and appends a
// marker so the LLM knows content was cut.
func Truncate(body string, maxLen int) string {
	if len(body) <= maxLen {
		return body
	}
	cut := maxLen
	if idx := strings.LastIndexByte(body[:maxLen], ' '); idx > 0 {
		cut = idx
	}
	return strings.TrimSpace(body[:cut]) + "\n[truncated]"
}

// Normalize runs the full pipeline: HTML conversion (if isHTML), quoted-text
// stripping, then truncation to maxLen.
func Normalize(body string, isHTML bool, maxLen int) string {
	if isHTML {
		body = HTMLToText(body)
	}
	body = StripQuotedText(body)
	return Truncate(body, maxLen)
}
