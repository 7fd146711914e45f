// Package classify implements email classification (spec §4.4.1, C7): a
// sender pre-filter short-circuits obvious bulk mail, otherwise a prompt
// is assembled from the user's folders, the email, and RAG context, and
// sent to the LLM for structured JSON classification. Prompt assembly is
// grounded on
// extensions/ty-email/internal/classifier/claude.go's buildPrompt
// (strings.Builder sections, "respond with only the JSON object, no other
// text" instruction), generalized from a fixed task-action schema to the
// folder/priority/draft schema this system needs.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bborn/mailassist/internal/db"
	"github.com/bborn/mailassist/internal/llm"
	"github.com/bborn/mailassist/internal/mailtext"
	"github.com/bborn/mailassist/internal/rag"
)

// preFilterPrefixes and preFilterSubstrings match against the sender
// address (spec §4.4.1's bulk-mail allowlist).
var (
	preFilterPrefixes = []string{
		"noreply@", "no-reply@", "donotreply@", "notifications@", "alerts@",
		"updates@", "newsletter@", "subscribe@", "digest@",
	}
	preFilterSubstrings = []string{
		"@send.", "@email.", "@marketing.", "@newsletter.", "@promo.",
	}
)

// Result is the validated, clamped classification outcome.
type Result struct {
	SuggestedFolder  string
	ProposedFolderID int64
	Reasoning        string
	PriorityScore    int
	Confidence       float64
	NeedsResponse    bool
	ResponseDraft    string
	DetectedLanguage string
	Tone             string
	PreFiltered      bool
}

// llmResponse is the JSON shape requested from the model (spec §4.4.1).
type llmResponse struct {
	SuggestedFolder  string  `json:"suggested_folder"`
	Reasoning        string  `json:"reasoning"`
	PriorityScore    int     `json:"priority_score"`
	Confidence       float64 `json:"confidence"`
	NeedsResponse    bool    `json:"needs_response"`
	ResponseDraft    *string `json:"response_draft"`
	DetectedLanguage string  `json:"detected_language"`
	Tone             string  `json:"tone"`
}

// Service runs classification for one EPQ row.
type Service struct {
	db  *db.DB
	llm *llm.Client
}

// New constructs a Service.
func New(database *db.DB, client *llm.Client) *Service {
	return &Service{db: database, llm: client}
}

// PreFilter reports whether sender matches the bulk-mail allowlist, per
// spec §4.4.1's pre-filter table. sender may be a bare address or a
// "Name <addr>" header value.
func PreFilter(sender string) bool {
	lower := strings.ToLower(sender)
	if start := strings.IndexByte(lower, '<'); start >= 0 {
		if end := strings.IndexByte(lower, '>'); end > start {
			lower = lower[start+1 : end]
		}
	}

	for _, p := range preFilterPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, sub := range preFilterSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// Classify runs the pre-filter, then (if it doesn't match) assembles a
// prompt and calls the LLM. folders must be the user's current
// FolderCategory list so suggested_folder can be validated against it.
func (s *Service) Classify(ctx context.Context, epq *db.EPQ, body string, folders []*db.FolderCategory, ragCtx *rag.Context) (*Result, error) {
	if PreFilter(epq.Sender) {
		return preFilterResult(folders), nil
	}

	prompt := buildPrompt(epq, body, folders, ragCtx)

	var resp llmResponse
	if _, err := s.llm.CompleteJSON(ctx, prompt, 1024, &resp); err != nil {
		return nil, err // JSON parse failures propagate, per spec §4.4.1 "no silent fallback"
	}

	return validate(resp, folders), nil
}

func preFilterResult(folders []*db.FolderCategory) *Result {
	folder := "Important"
	var folderID int64
	if len(folders) > 0 {
		folder = folders[0].Name
		folderID = folders[0].ID
	}
	return &Result{
		SuggestedFolder:  folder,
		ProposedFolderID: folderID,
		PriorityScore:    10,
		Confidence:       1.0,
		NeedsResponse:    false,
		DetectedLanguage: "en",
		Tone:             db.ToneProfessional,
		PreFiltered:      true,
	}
}

func buildPrompt(epq *db.EPQ, body string, folders []*db.FolderCategory, ragCtx *rag.Context) string {
	var sb strings.Builder

	sb.WriteString("You are an email triage assistant. Classify this email into one of the user's folders and decide whether it needs a reply.\n\n")

	sb.WriteString("Available folders:\n")
	for _, f := range folders {
		if f.Keywords != "" {
			sb.WriteString(fmt.Sprintf("- %s (keywords: %s)\n", f.Name, f.Keywords))
		} else {
			sb.WriteString(fmt.Sprintf("- %s\n", f.Name))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("Email:\n")
	sb.WriteString(fmt.Sprintf("From: %s\n", epq.Sender))
	sb.WriteString(fmt.Sprintf("Subject: %s\n", epq.Subject))
	sb.WriteString(fmt.Sprintf("Body:\n%s\n\n", mailtext.Normalize(body, false, 500)))

	if ragCtx != nil {
		writeRAGSection(&sb, ragCtx)
	}

	sb.WriteString(`Respond with only a JSON object of this exact shape, no other text:

{
  "suggested_folder": "<one of the folder names above, exactly>",
  "reasoning": "<<=300 chars>",
  "priority_score": <0-100>,
  "confidence": <0-1>,
  "needs_response": <true|false>,
  "response_draft": "<a full reply draft, or null if needs_response is false>",
  "detected_language": "<ISO-639-1 code>",
  "tone": "<formal|professional|casual>"
}`)

	return sb.String()
}

func writeRAGSection(sb *strings.Builder, ragCtx *rag.Context) {
	if len(ragCtx.ThreadHistory) > 0 {
		sb.WriteString("Prior messages in this thread (oldest first):\n")
		for _, m := range ragCtx.ThreadHistory {
			sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.Date, m.Sender, mailtext.Truncate(m.Body, 500)))
		}
		sb.WriteString("\n")
	}
	if len(ragCtx.SemanticResults) > 0 {
		sb.WriteString("Related past correspondence with this sender:\n")
		for _, m := range ragCtx.SemanticResults {
			sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.Date, m.Subject, mailtext.Truncate(m.Body, 500)))
		}
		sb.WriteString("\n")
	}
}

// validate enforces spec §4.4.1's validation rules: suggested_folder must
// exactly match a user folder (else fallback to "Important"), and numeric
// fields are clamped to their allowed ranges.
func validate(resp llmResponse, folders []*db.FolderCategory) *Result {
	r := &Result{
		Reasoning:        truncateChars(resp.Reasoning, 300),
		PriorityScore:    clamp(resp.PriorityScore, 0, 100),
		Confidence:       clampFloat(resp.Confidence, 0, 1),
		NeedsResponse:    resp.NeedsResponse,
		DetectedLanguage: resp.DetectedLanguage,
		Tone:             resp.Tone,
	}
	if resp.ResponseDraft != nil {
		r.ResponseDraft = *resp.ResponseDraft
	}
	if r.DetectedLanguage == "" {
		r.DetectedLanguage = "en"
	}
	if r.Tone == "" {
		r.Tone = db.ToneProfessional
	}

	for _, f := range folders {
		if f.Name == resp.SuggestedFolder {
			r.SuggestedFolder = f.Name
			r.ProposedFolderID = f.ID
			return r
		}
	}

	// Mismatch: fall back to "Important", per spec.
	r.SuggestedFolder = "Important"
	for _, f := range folders {
		if f.Name == "Important" {
			r.ProposedFolderID = f.ID
			break
		}
	}
	return r
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncateChars(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// govDomainSuffixes flags official-government sender domains for priority
// scoring (spec §4.4.3).
var govDomainSuffixes = []string{".gov", ".gov.uk", ".gc.ca", "gov."}

// urgencyKeywords is intentionally multilingual (spec §4.4.3 "urgent, asap,
// deadline, срочно, dringend, …").
var urgencyKeywords = []string{
	"urgent", "asap", "deadline", "immediately", "critical",
	"срочно", "dringend", "urgente", "urgent:",
}

// DetectPriority runs the rule-based priority score (spec §4.4.3):
// government-domain sender +50, a user-configured priority sender +40,
// an urgency keyword in the subject or body +30. is_priority is the
// threshold comparison against cfg.PriorityThreshold.
func DetectPriority(sender, subject, body string, prioritySenders []string, threshold int) (score int, isPriority bool) {
	lowerSender := strings.ToLower(sender)
	for _, suf := range govDomainSuffixes {
		if strings.Contains(lowerSender, suf) {
			score += 50
			break
		}
	}

	addr := lowerSender
	if start := strings.IndexByte(addr, '<'); start >= 0 {
		if end := strings.IndexByte(addr, '>'); end > start {
			addr = addr[start+1 : end]
		}
	}
	for _, p := range prioritySenders {
		if strings.EqualFold(strings.TrimSpace(p), addr) {
			score += 40
			break
		}
	}

	haystack := strings.ToLower(subject + " " + body)
	for _, kw := range urgencyKeywords {
		if strings.Contains(haystack, kw) {
			score += 30
			break
		}
	}

	score = clamp(score, 0, 100)
	return score, score >= threshold
}

// ToClassificationResult adapts a Result into the db package's persistence
// shape, tagging the classification (sort_only vs needs_response).
func (r *Result) ToClassificationResult() db.ClassificationResult {
	classification := db.ClassificationSortOnly
	if r.NeedsResponse {
		classification = db.ClassificationNeedsResponse
	}
	return db.ClassificationResult{
		Classification:   classification,
		ProposedFolderID: r.ProposedFolderID,
		Reasoning:        r.Reasoning,
		PriorityScore:    r.PriorityScore,
		DetectedLanguage: r.DetectedLanguage,
		Tone:             r.Tone,
		DraftResponse:    r.ResponseDraft,
	}
}

