// Package rag assembles bounded retrieval context for the classifier and
// response generator (spec §4.3, C6): thread history plus adaptive
// semantic search, ranked and trimmed to a token budget. bborn/workflow has
// no retrieval-augmentation package; the shape (thread history, semantic
// neighbors, token-budget trim) is grounded on the original backend's
// context_retrieval service, reimplemented against this module's own
// provider/vectorstore/embedding clients, with token counting via
// github.com/pkoukk/tiktoken-go (C360Studio-semspec uses the same library
// as the production-accurate choice over a char-count estimator).
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	"github.com/bborn/mailassist/internal/embedding"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/mailtext"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/vectorstore"
)

// EmailMessage is one message surfaced to the LLM prompt, either from
// thread history or semantic search.
type EmailMessage struct {
	MessageID string
	Sender    string
	Subject   string
	Body      string
	Date      string // ISO-8601
	ThreadID  string
}

// Metadata reports how the context was assembled, for logging and the
// token-budget invariant (I5).
type Metadata struct {
	ThreadLength     int
	SemanticCount    int
	AdaptiveK        int
	ThreadTokens     int
	SemanticTokens   int
	TotalTokensUsed  int
	OldestThreadDate string
}

// Context is the bounded retrieval result handed to classification and
// response generation.
type Context struct {
	ThreadHistory   []EmailMessage
	SemanticResults []EmailMessage
	Metadata        Metadata
}

// mailSource is the subset of provider.Client that rag depends on, narrowed
// per the small-interface idiom seen throughout this codebase (adapter.Adapter,
// classifier.Classifier) so tests supply fakes instead of a live Gmail client.
type mailSource interface {
	GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error)
	GetThread(ctx context.Context, userID int64, threadID string) ([]*provider.Message, error)
}

// embedder is the subset of embedding.Service that rag depends on.
type embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// searcher is the subset of vectorstore.Store that rag depends on.
type searcher interface {
	Query(ctx context.Context, vector []float32, filter vectorstore.Filter, topK uint64) ([]vectorstore.Match, error)
}

// Service assembles Context for a given EPQ row.
type Service struct {
	db        *db.DB
	mail      mailSource
	embedder  embedder
	store     searcher
	cfg       *config.Config
	tokenizer *tiktoken.Tiktoken
}

// New constructs a Service. store and embed may be passed as nil to
// disable semantic search entirely (degrades to thread-only context,
// matching the non-fatal semantic-search-failure path).
func New(database *db.DB, mail mailSource, embed embedder, store searcher, cfg *config.Config) *Service {
	enc, _ := tiktoken.GetEncoding("cl100k_base") // nil on failure; countTokens falls back to char estimate
	return &Service{db: database, mail: mail, embedder: embed, store: store, cfg: cfg, tokenizer: enc}
}

// scored pairs a semantic EmailMessage with its ranking keys, discarded
// once ranking and trimming are done.
type scored struct {
	msg      EmailMessage
	distance float32
	sentAt   int64
}

// Assemble builds a Context for epq per spec §4.3's numbered algorithm.
func (s *Service) Assemble(ctx context.Context, epq *db.EPQ) (*Context, error) {
	// Step 1: load the full body of the email under process.
	current, err := s.mail.GetMessage(ctx, epq.UserID, epq.ProviderMessageID)
	if err != nil {
		return nil, taxonomy.New(taxonomy.ContextAssemblyFatal, "rag_message_fetch", err)
	}

	// Step 2: thread history. Fatal on failure (ContextAssemblyFatal).
	thread, err := s.mail.GetThread(ctx, epq.UserID, epq.ProviderThreadID)
	if err != nil {
		return nil, taxonomy.New(taxonomy.ContextAssemblyFatal, "rag_thread_fetch", err)
	}
	originalLength := len(thread)

	limit := s.cfg.ThreadHistoryLimit
	trimmedThread := thread
	if len(trimmedThread) > limit {
		trimmedThread = trimmedThread[len(trimmedThread)-limit:]
	}

	threadHistory := make([]EmailMessage, 0, len(trimmedThread))
	oldestDate := ""
	for _, m := range trimmedThread {
		em := toEmailMessage(m)
		threadHistory = append(threadHistory, em)
		if oldestDate == "" || em.Date < oldestDate {
			oldestDate = em.Date
		}
	}

	// Step 3: adaptive k from the thread's original (untrimmed) length.
	k := s.cfg.AdaptiveK(originalLength)

	// Step 4+5: semantic search, non-fatal on failure (spec §7).
	var semanticResults []EmailMessage
	if k > 0 && s.store != nil && s.embedder != nil {
		semanticResults = s.semanticSearch(ctx, epq, current.Body, k)
	}

	md := Metadata{
		ThreadLength:     originalLength,
		SemanticCount:    len(semanticResults),
		AdaptiveK:        k,
		OldestThreadDate: oldestDate,
	}

	// Step 6: token budget enforcement.
	threadHistory, semanticResults, md = s.enforceBudget(threadHistory, semanticResults, md)

	return &Context{ThreadHistory: threadHistory, SemanticResults: semanticResults, Metadata: md}, nil
}

// semanticSearch embeds a composed query, searches the vector store scoped
// to (user, sender), and fetches full bodies for the returned ids. Any
// failure here is swallowed, per spec §7's "semantic search failure ->
// empty results" downgrade.
func (s *Service) semanticSearch(ctx context.Context, epq *db.EPQ, body string, k int) []EmailMessage {
	localPart := epq.Sender
	if idx := strings.Index(localPart, "@"); idx > 0 {
		localPart = localPart[:idx]
	}

	query := fmt.Sprintf("From %s about %s: %s", localPart, epq.Subject, truncateRunes(body, 500))
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		return nil
	}

	matches, err := s.store.Query(ctx, vectors[0], vectorstore.Filter{UserID: epq.UserID, Sender: epq.Sender}, uint64(k))
	if err != nil {
		return nil
	}

	scoredResults := make([]scored, 0, len(matches))
	for _, m := range matches {
		msg, err := s.mail.GetMessage(ctx, epq.UserID, m.ID)
		if err != nil {
			continue // per-message fetch failures are skipped, not fatal
		}
		em := toEmailMessage(msg)
		scoredResults = append(scoredResults, scored{
			msg:      em,
			distance: 1 - m.Score, // Query returns similarity; rank by ascending distance
			sentAt:   m.SentAt,
		})
	}

	sort.SliceStable(scoredResults, func(i, j int) bool {
		if scoredResults[i].distance != scoredResults[j].distance {
			return scoredResults[i].distance < scoredResults[j].distance
		}
		return scoredResults[i].sentAt > scoredResults[j].sentAt
	})

	out := make([]EmailMessage, 0, len(scoredResults))
	for _, r := range scoredResults {
		out = append(out, r.msg)
	}
	return out
}

// enforceBudget trims thread history (oldest first) then semantic results
// (lowest-ranked, i.e. last, first) until total tokens <= MaxContextTokens.
func (s *Service) enforceBudget(thread, semantic []EmailMessage, md Metadata) ([]EmailMessage, []EmailMessage, Metadata) {
	threadTokens := s.sumTokens(thread)
	semanticTokens := s.sumTokens(semantic)

	for threadTokens+semanticTokens > s.cfg.MaxContextTokens && len(thread) > 0 {
		threadTokens -= s.countTokens(formatEmail(thread[0]))
		thread = thread[1:]
	}
	for threadTokens+semanticTokens > s.cfg.MaxContextTokens && len(semantic) > 0 {
		last := len(semantic) - 1
		semanticTokens -= s.countTokens(formatEmail(semantic[last]))
		semantic = semantic[:last]
	}

	md.ThreadTokens = threadTokens
	md.SemanticTokens = semanticTokens
	md.TotalTokensUsed = threadTokens + semanticTokens
	md.SemanticCount = len(semantic)
	return thread, semantic, md
}

func (s *Service) sumTokens(msgs []EmailMessage) int {
	total := 0
	for _, m := range msgs {
		total += s.countTokens(formatEmail(m))
	}
	return total
}

// countTokens uses the cl100k_base tiktoken encoding; on tokenizer
// unavailability it falls back to ~1 token per 4 characters (spec §4.3
// step 6 fallback).
func (s *Service) countTokens(text string) int {
	if s.tokenizer != nil {
		return len(s.tokenizer.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func formatEmail(m EmailMessage) string {
	return fmt.Sprintf("From: %s\nSubject: %s\nDate: %s\n%s", m.Sender, m.Subject, m.Date, m.Body)
}

func toEmailMessage(m *provider.Message) EmailMessage {
	body, isHTML := m.Body, false
	if body == "" && m.HTML != "" {
		body, isHTML = m.HTML, true
	}
	return EmailMessage{
		MessageID: m.ID,
		Sender:    m.From,
		Subject:   m.Subject,
		Body:      mailtext.Normalize(body, isHTML, 4000),
		Date:      m.ReceivedAt.UTC().Format(time.RFC3339),
		ThreadID:  m.ThreadID,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
