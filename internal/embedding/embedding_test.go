package embedding

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	taxonomy "github.com/bborn/mailassist/internal/errors"
)

func TestClassifyMapsRateLimit(t *testing.T) {
	err := classify(&openai.APIError{HTTPStatusCode: 429, Message: "too many requests"})
	assert.Equal(t, taxonomy.RateLimited, taxonomy.KindOf(err))
}

func TestClassifyMapsServerError(t *testing.T) {
	err := classify(&openai.APIError{HTTPStatusCode: 503, Message: "unavailable"})
	assert.Equal(t, taxonomy.ServerError, taxonomy.KindOf(err))
}

func TestClassifyNonAPIErrorIsNetworkError(t *testing.T) {
	err := classify(errors.New("connection reset"))
	assert.Equal(t, taxonomy.NetworkError, taxonomy.KindOf(err))
}

func TestMaxBatchSizeMatchesWireProtocolCap(t *testing.T) {
	assert.Equal(t, 50, MaxBatchSize)
}
