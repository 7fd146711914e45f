package mailtext

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripQuotedTextStopsAtReplyMarker(t *testing.T) {
	body := "Thanks, sounds good.\n\nOn Mon, Jan 5, 2026 at 1:00 PM, Bob <bob@example.com> wrote:\n> original message"
	got := StripQuotedText(body)
	assert.Equal(t, "Thanks, sounds good.", got)
}

func TestStripQuotedTextStopsAtSignature(t *testing.T) {
	body := "See you then.\n--\nAlice\nSenior Engineer"
	got := StripQuotedText(body)
	assert.Equal(t, "See you then.", got)
}

func TestStripQuotedTextDropsQuotedLines(t *testing.T) {
	body := "New point here.\n> old quoted line\nAnother new point."
	got := StripQuotedText(body)
	assert.Equal(t, "New point here.\nAnother new point.", got)
}

func TestTruncateBreaksOnWordBoundary(t *testing.T) {
	body := strings.Repeat("word ", 100)
	got := Truncate(body, 20)
	assert.True(t, strings.HasSuffix(got, "[truncated]"))
	assert.LessOrEqual(t, len(got), 20+len("\n[truncated]")+1)
}

func TestTruncateNoOpUnderLimit(t *testing.T) {
	body := "short body"
	assert.Equal(t, body, Truncate(body, 100))
}

func TestNormalizeAppliesFullPipeline(t *testing.T) {
	body := "<p>Hello there</p>\n--\nSignature block"
	got := Normalize(body, true, 2000)
	assert.Contains(t, got, "Hello there")
	assert.NotContains(t, got, "Signature block")
}
