// Package llm provides the single Anthropic client used by the
// classification and response-generation services (spec §4.4, C4): a
// prompt goes in, either free text or markdown-fence-stripped JSON comes
// out. Grounded directly on
// extensions/ty-email/internal/classifier/claude.go's anthropic.Client
// construction, token-usage logging, and markdown-code-block stripping
// before json.Unmarshal — generalized from a single fixed classification
// prompt into a reusable Complete/CompleteJSON pair so both C7 and C8 can
// share one client and one retry/usage-logging path.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"

	taxonomy "github.com/bborn/mailassist/internal/errors"
)

// Usage reports token counts for logging/cost tracking.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Client wraps anthropic.Client with the taxonomy-classified error path and
// usage logging shared by every caller.
type Client struct {
	client *anthropic.Client
	model  string
	logger *log.Logger
}

// New constructs a Client. model defaults to a fast classifier model when
// empty.
func New(apiKey, model string) *Client {
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "llm"}),
	}
}

// Complete sends prompt and returns the model's free-text response.
func (c *Client) Complete(ctx context.Context, prompt string, maxTokens int64) (string, Usage, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(c.model),
		MaxTokens: anthropic.Int(maxTokens),
		Messages: anthropic.F([]anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		}),
	})
	if err != nil {
		return "", Usage{}, classify(err)
	}

	usage := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		c.logger.Info("token usage", "model", c.model, "input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			text = block.Text
			break
		}
	}
	return text, usage, nil
}

// CompleteJSON sends prompt and unmarshals the model's response into out,
// stripping a surrounding markdown code fence first (the same parseResponse
// idiom used elsewhere for LLM calls). Returns a ValidationError-tagged
// error if the response isn't valid JSON after stripping.
func (c *Client) CompleteJSON(ctx context.Context, prompt string, maxTokens int64, out any) (Usage, error) {
	text, usage, err := c.Complete(ctx, prompt, maxTokens)
	if err != nil {
		return usage, err
	}

	stripped := stripMarkdownFence(text)
	if err := json.Unmarshal([]byte(stripped), out); err != nil {
		return usage, taxonomy.New(taxonomy.ValidationError, "parse_llm_json",
			fmt.Errorf("invalid JSON: %w\nresponse: %s", err, stripped))
	}
	return usage, nil
}

func stripMarkdownFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	var out []string
	inBlock := false
	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			inBlock = !inBlock
			continue
		}
		if inBlock {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if e, ok := err.(*anthropic.Error); ok {
		apiErr = e
	}
	if apiErr == nil {
		return taxonomy.New(taxonomy.NetworkError, "llm_complete", err)
	}
	switch apiErr.StatusCode {
	case 429:
		return taxonomy.New(taxonomy.RateLimited, "llm_complete", err)
	case 500, 502, 503, 529:
		return taxonomy.New(taxonomy.ServerError, "llm_complete", err)
	case 400:
		return taxonomy.New(taxonomy.InvalidRequest, "llm_complete", err)
	default:
		return taxonomy.New(taxonomy.InvalidRequest, "llm_complete", err)
	}
}
