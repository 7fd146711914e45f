// Package indexing maintains the per-user vector index of recent mail used
// by the RAG context service (spec §4.5, C9): paginated backfill, batch
// checkpointing, a retry/backoff-to-paused/failed state machine, and
// 90-day retention cleanup. No package in bborn/workflow backfills a search
// index; grounded on internal/executor's worker-loop checkpoint idiom
// (persist progress, resume from last checkpoint) applied to this domain's
// IndexingProgress table, and on the original backend's services package
// for the batch size, sleep-between-batches, and retry_after formula.
package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/mailtext"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/vectorstore"
)

// notifier delivers the completion chat message; narrowed to what indexing
// needs from the chat client.
type notifier interface {
	Send(ctx context.Context, chatChannelID, text string) (string, error)
}

// mailSource is the subset of provider.Client indexing depends on.
type mailSource interface {
	ListAllMessages(ctx context.Context, userID int64, query string) ([]string, error)
	GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error)
}

// embedder is the subset of embedding.Service indexing depends on.
type embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// upserter is the subset of vectorstore.Store indexing depends on.
type upserter interface {
	Upsert(ctx context.Context, points []vectorstore.Point) error
	DeleteOlderThan(ctx context.Context, userID int64, cutoff int64) error
}

// Service runs backfill, resume, incremental indexing, and retention
// cleanup for one mail-assistant deployment.
type Service struct {
	db       *db.DB
	mail     mailSource
	embedder embedder
	store    upserter
	chat     notifier // optional; nil disables completion notifications
	cfg      *config.Config
}

// New constructs a Service.
func New(database *db.DB, mail mailSource, embed embedder, store upserter, chat notifier, cfg *config.Config) *Service {
	return &Service{db: database, mail: mail, embedder: embed, store: store, chat: chat, cfg: cfg}
}

// StartIndexing backfills userID's last cfg.IndexingDaysBack days of mail.
// Refuses if a job is already in_progress or paused, per spec §4.5.
func (s *Service) StartIndexing(ctx context.Context, userID int64, chatChannelID string) error {
	existing, err := s.db.GetIndexingProgress(userID)
	if err != nil {
		return err
	}
	if existing != nil && (existing.Status == db.IndexingStatusInProgress || existing.Status == db.IndexingStatusPaused) {
		return fmt.Errorf("indexing already %s for user %d", existing.Status, userID)
	}

	if err := s.db.StartIndexing(userID, 0); err != nil {
		return err
	}
	return s.runBackfill(ctx, userID, chatChannelID, 0)
}

// ResumeIndexing continues a paused or interrupted backfill from its last
// checkpoint. Refuses if retry_after has not yet elapsed.
func (s *Service) ResumeIndexing(ctx context.Context, userID int64, chatChannelID string) error {
	progress, err := s.db.GetIndexingProgress(userID)
	if err != nil {
		return err
	}
	if progress == nil {
		return fmt.Errorf("no indexing progress for user %d", userID)
	}
	if progress.RetryAfter.Valid && time.Now().Before(progress.RetryAfter.Time) {
		return fmt.Errorf("retry_after not yet elapsed for user %d", userID)
	}

	if _, err := s.db.GetIndexingProgress(userID); err != nil {
		return err
	}
	return s.runBackfill(ctx, userID, chatChannelID, progress.ProcessedCount)
}

// runBackfill re-fetches the full days-back window (the checkpoint is
// informational per spec §4.5) and processes in batches, skipping the
// first skipCount already-processed messages.
func (s *Service) runBackfill(ctx context.Context, userID int64, chatChannelID string, skipCount int) error {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.IndexingDaysBack)
	query := fmt.Sprintf("after:%d", cutoff.Unix())

	ids, err := s.mail.ListAllMessages(ctx, userID, query)
	if err != nil {
		return s.handleTransientFailure(userID, err)
	}

	total := len(ids)
	if err := s.db.SetTotalEmails(userID, total); err != nil {
		return err
	}

	if skipCount > total {
		skipCount = total
	}
	remaining := ids[skipCount:]

	processed := skipCount
	for start := 0; start < len(remaining); start += s.cfg.IndexingBatchSize {
		end := start + s.cfg.IndexingBatchSize
		if end > len(remaining) {
			end = len(remaining)
		}
		batch := remaining[start:end]

		lastID, err := s.processBatch(ctx, userID, batch)
		if err != nil {
			return s.handleTransientFailure(userID, err)
		}
		processed += len(batch)

		if err := s.db.AdvanceIndexingProgress(userID, processed, lastID); err != nil {
			return err
		}

		if end < len(remaining) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(s.cfg.IndexingRateLimitDelaySecs) * time.Second):
			}
		}
	}

	if err := s.db.CompleteIndexing(userID); err != nil {
		return err
	}
	if s.chat != nil && chatChannelID != "" {
		s.chat.Send(ctx, chatChannelID, fmt.Sprintf("✅ Email indexing complete! %d emails indexed ...", processed))
	}
	return nil
}

// processBatch embeds and upserts one batch, returning the last message id
// processed for checkpointing.
func (s *Service) processBatch(ctx context.Context, userID int64, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}

	type prepared struct {
		id      string
		text    string
		sender  string
		subject string
		thread  string
		sentAt  int64
	}

	var items []prepared
	for _, id := range ids {
		msg, err := s.mail.GetMessage(ctx, userID, id)
		if err != nil {
			continue // per-message fetch failures are skipped, not fatal to the batch
		}
		body := msg.Body
		isHTML := false
		if body == "" && msg.HTML != "" {
			body, isHTML = msg.HTML, true
		}
		text := mailtext.Normalize(body, isHTML, 2048*4) // ~2048-token cap, 4 chars/token estimate
		items = append(items, prepared{
			id: msg.ID, text: text, sender: msg.From, subject: msg.Subject,
			thread: msg.ThreadID, sentAt: msg.ReceivedAt.Unix(),
		})
	}
	if len(items) == 0 {
		return "", nil
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return "", err
	}

	points := make([]vectorstore.Point, 0, len(items))
	for i, it := range items {
		points = append(points, vectorstore.Point{
			ID: it.id, Vector: vectors[i], UserID: userID, ThreadID: it.thread,
			Sender: it.sender, Subject: it.subject, Snippet: mailtext.Truncate(it.text, 300), SentAt: it.sentAt,
		})
	}
	if err := s.store.Upsert(ctx, points); err != nil {
		return "", err
	}

	return items[len(items)-1].id, nil
}

// IndexNewMail embeds and upserts a single freshly-polled message. Only
// runs once backfill has completed for the user, per spec §4.5.
func (s *Service) IndexNewMail(ctx context.Context, userID int64, providerMessageID string) error {
	progress, err := s.db.GetIndexingProgress(userID)
	if err != nil {
		return err
	}
	if progress == nil || progress.Status != db.IndexingStatusCompleted {
		return nil // backfill not done; incremental indexing is a no-op until it is
	}

	msg, err := s.mail.GetMessage(ctx, userID, providerMessageID)
	if err != nil {
		return err
	}
	body := msg.Body
	isHTML := false
	if body == "" && msg.HTML != "" {
		body, isHTML = msg.HTML, true
	}
	text := mailtext.Normalize(body, isHTML, 2048*4)

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return err
	}

	return s.store.Upsert(ctx, []vectorstore.Point{{
		ID: msg.ID, Vector: vectors[0], UserID: userID, ThreadID: msg.ThreadID,
		Sender: msg.From, Subject: msg.Subject, Snippet: mailtext.Truncate(text, 300), SentAt: msg.ReceivedAt.Unix(),
	}})
}

// CleanupOld deletes vector records older than daysBack days, across all
// indexed users (spec §4.5 retention).
func (s *Service) CleanupOld(ctx context.Context, userID int64, daysBack int) error {
	cutoff := time.Now().AddDate(0, 0, -daysBack).Unix()
	return s.store.DeleteOlderThan(ctx, userID, cutoff)
}

// retentionDays is the fixed retention window spec §4.5 names for
// CleanupOld ("90-day retention cleanup"), independent of
// cfg.IndexingDaysBack (the backfill window).
const retentionDays = 90

// CleanupAllUsers runs CleanupOld for every active user, the counterpart to
// poller.PollAllUsers's fan-out shape: a failure for one user is logged and
// never aborts the sweep for the rest.
func (s *Service) CleanupAllUsers(ctx context.Context) error {
	users, err := s.db.ListActiveUsers()
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = s.CleanupOld(ctx, u.ID, retentionDays)
	}
	return nil
}

// handleTransientFailure advances the retry/backoff state machine (spec
// §4.5): increment retry_count, pause with retry_after = now +
// 2^retry_count minutes, or fail outright once IndexingMaxRetries is hit.
func (s *Service) handleTransientFailure(userID int64, cause error) error {
	progress, err := s.db.GetIndexingProgress(userID)
	if err != nil {
		return err
	}
	retryCount := 1
	if progress != nil {
		retryCount = progress.RetryCount + 1
	}

	if retryCount > s.cfg.IndexingMaxRetries {
		if ferr := s.db.FailIndexing(userID, cause.Error()); ferr != nil {
			return ferr
		}
		return taxonomy.New(taxonomy.ServerError, "indexing_backfill", cause)
	}

	retryAfterSeconds := (1 << uint(retryCount)) * 60 // 2^retry_count minutes
	if perr := s.db.PauseIndexingForRetry(userID, retryCount, retryAfterSeconds, cause.Error()); perr != nil {
		return perr
	}
	return taxonomy.New(taxonomy.ServerError, "indexing_backfill", cause)
}

// SupervisorTick scans for paused jobs whose retry_after has elapsed and
// resumes them, skipping any updated within the last 30 seconds to avoid
// a thundering-herd of concurrent resumes (spec §4.5 "30-second DB-based
// cooldown").
func (s *Service) SupervisorTick(ctx context.Context) {
	resumable, err := s.db.ListResumableIndexing()
	if err != nil {
		return
	}
	cooldown := 30 * time.Second
	for _, p := range resumable {
		if time.Since(p.UpdatedAt.Time) < cooldown {
			continue
		}
		_ = s.ResumeIndexing(ctx, p.UserID, "")
	}
}
