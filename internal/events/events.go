// Package events provides a centralized pub/sub bus for pipeline lifecycle
// events, delivered in-process to subscribers (for metrics/logging) and
// persisted to the event_log table for audit. Grounded on bborn/workflow's
// internal/events.Manager (buffered async worker, RWMutex subscriber list,
// database log), trimmed to drop the script-hook delivery tier: there is no
// local-automation surface for email events to wire it into.
package events

import (
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bborn/mailassist/internal/db"
	"github.com/charmbracelet/log"
)

// Event types for the mail pipeline, spanning poll → classify → approve →
// send and the indexing lifecycle (spec §4.1–§4.5).
const (
	EventEmailReceived         = "email.received"
	EventEmailClassified       = "email.classified"
	EventEmailPriorityDetected = "email.priority_detected"
	EventProposalSent          = "email.proposal_sent"
	EventDraftNotificationSent = "email.draft_sent"
	EventActionApproved        = "email.approved"
	EventActionRejected        = "email.rejected"
	EventResponseSent          = "email.response_sent"
	EventWorkflowFailed        = "email.workflow_failed"
	EventManualNotification    = "email.manual_notification"
	EventIndexingStarted       = "indexing.started"
	EventIndexingProgress      = "indexing.progress"
	EventIndexingCompleted     = "indexing.completed"
	EventIndexingFailed        = "indexing.failed"
	EventIndexingPaused        = "indexing.paused"
)

// Event carries one pipeline occurrence, keyed to the email_processing_queue
// row it concerns (when applicable).
type Event struct {
	Type         string                 `json:"type"`
	UserID       int64                  `json:"user_id,omitempty"`
	EmailQueueID int64                  `json:"email_queue_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Manager coordinates in-process broadcast plus durable logging.
type Manager struct {
	db     *db.DB
	logger *log.Logger

	mu   sync.RWMutex
	subs []chan Event

	eventQueue chan Event
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates an event manager backed by database and starts its async
// delivery worker.
func New(database *db.DB) *Manager {
	m := &Manager{
		db:         database,
		logger:     log.NewWithOptions(os.Stderr, log.Options{Prefix: "events"}),
		subs:       make([]chan Event, 0),
		eventQueue: make(chan Event, 1000),
		stopCh:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.worker()
	return m
}

// NewSilent creates an event manager with logging discarded, for tests.
func NewSilent(database *db.DB) *Manager {
	m := New(database)
	m.logger = log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
	return m
}

// Emit queues an event for asynchronous delivery, never blocking the
// caller; a full queue drops the event with a warning rather than stalling
// the pipeline.
func (m *Manager) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case m.eventQueue <- e:
	default:
		m.logger.Warn("event queue full, dropping event", "type", e.Type, "email_queue_id", e.EmailQueueID)
	}
}

// EmitSync delivers an event immediately, for callers (tests, shutdown
// paths) that need delivery to have completed before returning.
func (m *Manager) EmitSync(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.deliver(e)
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			for {
				select {
				case e := <-m.eventQueue:
					m.deliver(e)
				default:
					return
				}
			}
		case e := <-m.eventQueue:
			m.deliver(e)
		}
	}
}

// Stop drains the queue and shuts the worker down.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) deliver(e Event) {
	m.broadcast(e)
	if err := m.logToDatabase(e); err != nil {
		m.logger.Debug("failed to log event", "error", err)
	}
}

func (m *Manager) broadcast(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (m *Manager) logToDatabase(e Event) error {
	metadataJSON := "{}"
	if len(e.Metadata) > 0 {
		if data, err := json.Marshal(e.Metadata); err == nil {
			metadataJSON = string(data)
		}
	}
	var emailID sql.NullInt64
	if e.EmailQueueID != 0 {
		emailID = sql.NullInt64{Int64: e.EmailQueueID, Valid: true}
	}
	return m.db.LogEvent(e.Type, emailID, e.Message, metadataJSON)
}

// Subscribe returns a channel receiving every emitted event, used by
// internal/metrics to derive counters without coupling pipeline code to the
// metrics package.
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 100)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}
