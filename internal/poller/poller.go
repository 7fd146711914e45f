// Package poller periodically fetches unread mail for every active user and
// enqueues new messages into the processing queue (spec §4.1, C10).
// Grounded on extensions/ty-email/internal/adapter/gmail.go's
// pollLoop/poll pair (ticker-driven, list-then-fetch-then-enqueue), adapted
// from a single fixed account pushing onto an in-memory channel to a
// multi-tenant fan-out that relies on the database's uniqueness constraint
// for dedup instead of an in-process set (spec I1).
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/metrics"
	"github.com/bborn/mailassist/internal/provider"
)

// mailSource is the subset of provider.Client the poller depends on.
type mailSource interface {
	ListMessages(ctx context.Context, userID int64, query string, max int64) ([]string, error)
	GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error)
}

// Service polls every active user's unread mail on a timer and enqueues new
// messages for the workflow engine to pick up.
type Service struct {
	db      *db.DB
	mail    mailSource
	cfg     *config.Config
	metrics *metrics.Registry // optional; nil disables counters
	logger  *log.Logger
}

// New constructs a Service.
func New(database *db.DB, mail mailSource, cfg *config.Config, reg *metrics.Registry, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.NewWithOptions(nil, log.Options{Prefix: "poller"})
	}
	return &Service{db: database, mail: mail, cfg: cfg, metrics: reg, logger: logger}
}

// PollAllUsers enumerates every active user and polls each in turn, with a
// small delay between users to smooth provider request rate (spec §4.1
// "fan out to per-user tasks with a small inter-user delay"). A permanent
// failure for one user never aborts the cycle for the rest.
func (s *Service) PollAllUsers(ctx context.Context) error {
	users, err := s.db.ListActiveUsers()
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	for i, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		newCount, skipped, err := s.PollUserMails(ctx, u.ID)
		if err != nil {
			if taxonomy.IsTransient(err) {
				return err // bubble so the task runner retries with backoff
			}
			s.logger.Error("poll cycle aborted for user", "user_id", u.ID, "error", err)
		} else {
			s.logger.Info("polled user", "user_id", u.ID, "new", newCount, "skipped", skipped)
		}

		if i < len(users)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	return nil
}

// PollUserMails fetches up to cfg.PollMaxResults unread messages for userID
// and upserts each into the processing queue. Dedup is the database's
// (user_id, provider_message_id) uniqueness constraint, not an in-memory
// set, so concurrent pollers for the same user are safe (spec I1).
func (s *Service) PollUserMails(ctx context.Context, userID int64) (newCount, skippedCount int, err error) {
	ids, err := s.mail.ListMessages(ctx, userID, "is:unread", int64(s.cfg.PollMaxResults))
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		msg, ferr := s.mail.GetMessage(ctx, userID, id)
		if ferr != nil {
			s.logger.Warn("failed to fetch unread message", "user_id", userID, "message_id", id, "error", ferr)
			skippedCount++
			continue
		}

		result, ierr := s.db.InsertPending(userID, msg.ID, msg.ThreadID, msg.From, msg.Subject, msg.ReceivedAt)
		if ierr != nil {
			s.logger.Warn("failed to enqueue message", "user_id", userID, "message_id", id, "error", ierr)
			skippedCount++
			continue
		}
		if !result.Created {
			skippedCount++
			continue
		}
		newCount++
	}

	if s.metrics != nil && newCount > 0 {
		s.metrics.EmailsPolled.Add(float64(newCount))
	}
	return newCount, skippedCount, nil
}
