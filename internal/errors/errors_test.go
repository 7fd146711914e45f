package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientForTaggedKinds(t *testing.T) {
	assert.True(t, IsTransient(New(QuotaExceeded, "send_email", errors.New("429"))))
	assert.True(t, IsTransient(New(ServerError, "fetch_thread", errors.New("500"))))
	assert.False(t, IsTransient(New(InvalidRequest, "apply_label", errors.New("400"))))
	assert.False(t, IsTransient(errors.New("untagged")))
}

func TestKindOfExtractsTaggedKind(t *testing.T) {
	assert.Equal(t, RecipientInvalid, KindOf(New(RecipientInvalid, "send_email", errors.New("bounce"))))
	assert.Equal(t, Kind(""), KindOf(errors.New("untagged")))
}

func TestWithRetryAfterIsExtractedByRetryAfterOf(t *testing.T) {
	err := New(QuotaExceeded, "send_email", errors.New("429")).WithRetryAfter(30)
	assert.Equal(t, 30, RetryAfterOf(err))
	assert.Equal(t, 0, RetryAfterOf(New(ServerError, "op", errors.New("x"))))
}

func TestErrorFormatsWithAndWithoutOp(t *testing.T) {
	withOp := New(NotFound, "get_thread", errors.New("missing"))
	assert.Contains(t, withOp.Error(), "get_thread")
	assert.Contains(t, withOp.Error(), "not_found")

	bare := &Error{Kind: NotFound, Err: errors.New("missing")}
	assert.NotContains(t, bare.Error(), ": : ")
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	underlying := errors.New("root cause")
	wrapped := New(ServerError, "op", underlying)
	assert.ErrorIs(t, wrapped, underlying)
}
