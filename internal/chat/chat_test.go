package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateRespectsMessageByteLimit(t *testing.T) {
	long := strings.Repeat("a", MaxMessageBytes+500)
	got := truncate(long)
	assert.LessOrEqual(t, len(got), MaxMessageBytes)
	assert.True(t, strings.HasSuffix(got, "[truncated]"))
}

func TestTruncateNoOpUnderLimit(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, truncate(short))
}

func TestTruncateCallbackRespectsLimit(t *testing.T) {
	long := strings.Repeat("b", MaxCallbackDataBytes+20)
	got := truncateCallback(long)
	assert.Len(t, got, MaxCallbackDataBytes)
}

func TestParseChatIDRoundTrip(t *testing.T) {
	id, err := parseChatID("123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), id)
}

func TestParseChatIDRejectsNonNumeric(t *testing.T) {
	_, err := parseChatID("not-a-number")
	require.Error(t, err)
}

func TestParseMessageIDRoundTrip(t *testing.T) {
	id, err := parseMessageID("42")
	require.NoError(t, err)
	assert.Equal(t, 42, id)
}
