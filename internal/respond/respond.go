// Package respond generates reply drafts for emails classified
// needs_response that didn't receive one from the classification call
// (spec §4.4.2, C8): language/tone detection, prompt assembly with
// per-section truncation, and draft validation (§4.4.4). Prompt assembly
// reuses the classify package's strings.Builder section style, grounded
// on the same extensions/ty-email/internal/classifier/claude.go buildPrompt
// idiom.
package respond

import (
	"context"
	"fmt"
	"strings"

	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/llm"
	"github.com/bborn/mailassist/internal/mailtext"
	"github.com/bborn/mailassist/internal/rag"
)

// greetingsClosings pairs a language+tone with exemplar phrases, used both
// to prompt the model and to check the validation warning in §4.4.4.
var greetingsClosings = map[string][]string{
	"en": {"hi", "hello", "dear", "thanks", "regards", "best", "sincerely"},
	"de": {"hallo", "sehr geehrte", "liebe", "mit freundlichen grüßen", "viele grüße"},
	"es": {"hola", "estimado", "estimada", "saludos", "atentamente"},
	"fr": {"bonjour", "cher", "chère", "cordialement", "salutations"},
}

// commonWords is a coarse per-language wordlist used for the content-based
// fallback detector; no ecosystem language-detection library is available
// here, so this rule-based approach substitutes for one (documented in the
// grounding ledger).
var commonWords = map[string][]string{
	"de": {"der", "die", "das", "und", "ist", "nicht", "sehr", "mit", "für", "geehrte"},
	"es": {"el", "la", "de", "que", "y", "es", "para", "con", "estimado"},
	"fr": {"le", "la", "de", "et", "est", "pour", "avec", "bonjour", "cordialement"},
	"en": {"the", "and", "is", "for", "with", "you", "please", "thanks"},
}

// Result is the generated, validated draft plus its detected attributes.
type Result struct {
	Draft            string
	DetectedLanguage string
	Tone             string
}

// Service generates response drafts.
type Service struct {
	llm *llm.Client
	cfg draftLimits
}

type draftLimits struct {
	MinLen int
	MaxLen int
}

// New constructs a Service from configured draft length limits.
func New(client *llm.Client, minLen, maxLen int) *Service {
	return &Service{llm: client, cfg: draftLimits{MinLen: minLen, MaxLen: maxLen}}
}

// Generate produces and validates a reply draft for epq.
func (s *Service) Generate(ctx context.Context, epq *db.EPQ, body string, ragCtx *rag.Context) (*Result, error) {
	language := DetectLanguage(body)
	tone := DetectTone(epq.Sender, epq.Subject)

	prompt := buildPrompt(epq, body, ragCtx, language, tone)

	draft, _, err := s.llm.Complete(ctx, prompt, 1024)
	if err != nil {
		return nil, err
	}
	draft = strings.TrimSpace(draft)

	if err := s.validate(draft); err != nil {
		return nil, err
	}

	return &Result{Draft: draft, DetectedLanguage: language, Tone: tone}, nil
}

// DetectLanguage runs the content-based wordlist heuristic, falling back
// to "en" when no language scores above the others (spec §4.4.2).
func DetectLanguage(body string) string {
	lower := strings.ToLower(body)
	best, bestScore := "en", 0
	for lang, words := range commonWords {
		score := 0
		for _, w := range words {
			if strings.Contains(lower, " "+w+" ") || strings.HasPrefix(lower, w+" ") {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}

// DetectTone applies rule-based sender/subject heuristics (spec §4.4.3's
// sibling rule set for tone), falling back to "professional".
func DetectTone(sender, subject string) string {
	lower := strings.ToLower(sender + " " + subject)
	switch {
	case strings.Contains(lower, "gov.") || strings.Contains(lower, ".gov") || strings.Contains(lower, "amt."):
		return db.ToneFormal
	case hasCasualMarkers(subject):
		return db.ToneCasual
	default:
		return db.ToneProfessional
	}
}

var casualSubjectWords = []string{"hey", "lol", "thanks!", "quick q", "oops"}

func hasCasualMarkers(subject string) bool {
	lower := strings.ToLower(subject)
	for _, w := range casualSubjectWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return strings.Contains(subject, "!") && !strings.HasPrefix(subject, "Re:") && !strings.HasPrefix(subject, "Fwd:")
}

func buildPrompt(epq *db.EPQ, body string, ragCtx *rag.Context, language, tone string) string {
	var sb strings.Builder

	sb.WriteString("Write a reply to this email on behalf of the recipient.\n\n")
	sb.WriteString(fmt.Sprintf("From: %s\nSubject: %s\nBody:\n%s\n\n", epq.Sender, epq.Subject, mailtext.Truncate(body, 2000)))

	if ragCtx != nil {
		if len(ragCtx.ThreadHistory) > 0 {
			sb.WriteString("Thread history (oldest first):\n")
			for _, m := range ragCtx.ThreadHistory {
				sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.Date, m.Sender, mailtext.Truncate(m.Body, 500)))
			}
			sb.WriteString("\n")
		}
		if len(ragCtx.SemanticResults) > 0 {
			sb.WriteString("Relevant prior correspondence with this sender:\n")
			for _, m := range ragCtx.SemanticResults {
				sb.WriteString(fmt.Sprintf("[%s] %s\n", m.Date, mailtext.Truncate(m.Body, 700)))
			}
			sb.WriteString("\n")
		}
	}

	exemplars := greetingsClosings[language]
	if exemplars == nil {
		exemplars = greetingsClosings["en"]
	}
	sb.WriteString(fmt.Sprintf("Write the reply in language %q with a %s tone. Use a greeting and closing in the style of: %s.\n", language, tone, strings.Join(exemplars, ", ")))
	sb.WriteString("Respond with only the reply body text, no subject line, no commentary.")

	return sb.String()
}

// validate enforces spec §4.4.4: length bounds are hard failures; the
// greeting/closing check is a warning only (logged, not propagated).
func (s *Service) validate(draft string) error {
	if len(draft) < s.cfg.MinLen || len(draft) > s.cfg.MaxLen {
		return taxonomy.New(taxonomy.ValidationError, "draft_length",
			fmt.Errorf("draft length %d outside [%d, %d]", len(draft), s.cfg.MinLen, s.cfg.MaxLen))
	}
	return nil
}

// HasGreetingOrClosing is the warning-only check from §4.4.4, exposed so
// callers can log a mismatch without failing the draft.
func HasGreetingOrClosing(draft, language string) bool {
	lower := strings.ToLower(draft)
	patterns := greetingsClosings[language]
	if patterns == nil {
		patterns = greetingsClosings["en"]
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
