// Package embedding provides batched, rate-limited text embedding for the
// indexing service and the RAG context service (spec §4.3, §4.5, C3).
// bborn/workflow has no embedding package of its own; grounded on
// C360Studio-semspec's go-openai dependency and on bborn/workflow's
// rate-limited-external-service idiom generalized with
// golang.org/x/time/rate, matching spec §5's "rate-limited via an external
// semaphore (...≤50 embeddings/s)".
package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	taxonomy "github.com/bborn/mailassist/internal/errors"
)

// MaxBatchSize matches the wire protocol's input cap (spec §6 "input:
// array of strings (≤50)").
const MaxBatchSize = 50

// Service wraps an OpenAI-compatible embeddings endpoint behind a token
// bucket limiter shared by every caller in the process.
type Service struct {
	client  *openai.Client
	model   openai.EmbeddingModel
	limiter *rate.Limiter
}

// New constructs a Service capped at requestsPerSecond calls/sec.
func New(apiKey string, model openai.EmbeddingModel, requestsPerSecond float64) *Service {
	return &Service{
		client:  openai.NewClient(apiKey),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// Embed returns one fixed-length vector per input string, batching
// internally at MaxBatchSize and respecting the limiter between batches.
// All vectors returned share the same dimension (spec §6 invariant).
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var out [][]float32
	for start := 0; start < len(texts); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := s.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limiter: %w", err)
	}

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: s.model,
	})
	if err != nil {
		return nil, classify(err)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if e, ok := err.(*openai.APIError); ok {
		apiErr = e
	}
	if apiErr == nil {
		return taxonomy.New(taxonomy.NetworkError, "embed", err)
	}
	switch apiErr.HTTPStatusCode {
	case 429:
		return taxonomy.New(taxonomy.RateLimited, "embed", err)
	case 500, 502, 503:
		return taxonomy.New(taxonomy.ServerError, "embed", err)
	default:
		return taxonomy.New(taxonomy.InvalidRequest, "embed", err)
	}
}
