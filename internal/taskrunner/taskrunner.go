// Package taskrunner drives the background work queue (spec §5, C13):
// starting workflows for newly-queued mail, ticking the indexing
// supervisor, and resuming or dead-lettering workflows abandoned mid-run by
// a crash, with bounded worker concurrency and per-thread_id serialization.
// Grounded on internal/executor/executor.go's worker loop (ticking dispatch,
// a mutex-guarded running-set, per-task cancel funcs for cooperative
// cancellation) generalized from a single Claude-process runner into a fair
// dispatcher over three task kinds.
package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/metrics"
	"github.com/bborn/mailassist/internal/retry"
)

// Hard wall-clock limits per task kind (spec §5 "Cancellation / timeouts").
const (
	BackfillTimeout     = 60 * time.Minute
	WorkflowStepTimeout = 5 * time.Minute
	IndexingBatchTimeout = 2 * time.Minute
)

const dispatchInterval = 2 * time.Second

// staleProcessingThreshold is how long an EPQ row may sit at status=processing
// before the resume supervisor treats it as interrupted (spec §4.2 "on
// restart the engine resumes from that node").
const staleProcessingThreshold = 10 * time.Minute

// workflowStarter is the subset of workflow.Engine the runner depends on.
type workflowStarter interface {
	Start(ctx context.Context, emailID int64) error
}

// indexSupervisor is the subset of indexing.Service the runner depends on.
type indexSupervisor interface {
	SupervisorTick(ctx context.Context)
}

// Runner pulls pending email_processing_queue rows and drives the indexing
// supervisor, bounding concurrency and guaranteeing the engine's "no two
// nodes execute concurrently per thread_id" invariant (spec §5 "Workflow
// serialization") by serializing per email_id at the dispatch layer —
// Start always allocates a fresh thread_id, so per-email_id exclusion is
// equivalent to per-thread_id exclusion for the one task kind this runner
// originates.
type Runner struct {
	db      *db.DB
	engine  workflowStarter
	indexer indexSupervisor
	cfg     *config.Config
	metrics *metrics.Registry
	logger  *log.Logger

	sem         chan struct{} // bounds concurrent workflow starts
	retryPolicy retry.Policy  // zero value defers to retry.Default

	mu      sync.Mutex
	inFlight map[int64]bool
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Runner with the given worker pool size.
func New(database *db.DB, engine workflowStarter, idx indexSupervisor, cfg *config.Config, reg *metrics.Registry, workers int) *Runner {
	if workers <= 0 {
		workers = 8
	}
	return &Runner{
		db:       database,
		engine:   engine,
		indexer:  idx,
		cfg:      cfg,
		metrics:  reg,
		logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "taskrunner"}),
		sem:      make(chan struct{}, workers),
		retryPolicy: retry.Default,
		inFlight: make(map[int64]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background dispatch loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.resumeStaleProcessing(ctx)

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop signals the dispatch loop to exit and waits for in-flight tasks to
// finish (each bounded by its own wall-clock timeout, so Stop cannot hang
// indefinitely).
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	tickCount := 0
	const indexingTickInterval = 15 // ~30s at a 2s dispatch interval
	const resumeTickInterval = 150  // ~5min at a 2s dispatch interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.dispatchPending(ctx)
			tickCount++
			if tickCount%indexingTickInterval == 0 {
				r.dispatchIndexing(ctx)
			}
			if tickCount%resumeTickInterval == 0 {
				r.resumeStaleProcessing(ctx)
			}
		}
	}
}

// dispatchPending fans out one goroutine per pending EPQ row not already
// in flight, bounded by the worker-pool semaphore.
func (r *Runner) dispatchPending(ctx context.Context) {
	rows, err := r.db.ListEPQByStatus(db.StatusPending, 100)
	if err != nil {
		r.logger.Error("list pending", "error", err)
		return
	}

	for _, epq := range rows {
		r.mu.Lock()
		if r.inFlight[epq.ID] {
			r.mu.Unlock()
			continue
		}
		r.inFlight[epq.ID] = true
		r.mu.Unlock()

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.inFlight, epq.ID)
			r.mu.Unlock()
			return
		}

		r.wg.Add(1)
		go r.runWorkflowStart(ctx, epq.ID)
	}
}

// runWorkflowStart starts the workflow for emailID, retrying transient
// failures at the task-runner level (spec §4.8(b): 2s/4s/8s backoff, max 3
// attempts) on top of whatever retries the provider client already did
// internally. An error surviving that retry means the email's EPQ row is
// stuck at status=processing with nothing left to automatically recover it,
// so it's converted into an EPQ error + DLQ entry the same way a mid-node
// action failure is (workflow.Engine.deadLetter).
func (r *Runner) runWorkflowStart(ctx context.Context, emailID int64) {
	defer r.wg.Done()
	defer func() {
		<-r.sem
		r.mu.Lock()
		delete(r.inFlight, emailID)
		r.mu.Unlock()
	}()

	taskCtx, cancel := context.WithTimeout(ctx, WorkflowStepTimeout)
	defer cancel()

	err := retry.Do(taskCtx, r.retryPolicy, func(attempt int) error {
		return r.engine.Start(taskCtx, emailID)
	})
	if err == nil {
		return
	}

	r.logger.Error("workflow start failed", "email_id", emailID, "error", err)
	if derr := r.deadLetterStart(emailID, err); derr != nil {
		r.logger.Error("failed to dead-letter stuck workflow start", "email_id", emailID, "error", derr)
	}
}

// deadLetterStart converts an exhausted workflow-start failure into an EPQ
// error row plus a dead_letter_queue entry, mirroring
// workflow.Engine.deadLetter's shape for mid-node action failures.
func (r *Runner) deadLetterStart(emailID int64, cause error) error {
	epq, err := r.db.GetEPQ(emailID)
	if err != nil {
		return err
	}
	if epq == nil {
		return nil // row was deleted/resolved out from under us
	}

	errType := string(taxonomy.KindOf(cause))
	if errType == "" {
		errType = "unknown"
	}
	dlqReason := fmt.Sprintf("action=%s retry_count=%d error=%v message_id=%s",
		db.OpTypeWorkflowStart, epq.RetryCount, cause, epq.ProviderMessageID)

	if err := r.db.RecordError(epq.ID, errType, cause.Error(), dlqReason, epq.RetryCount+1); err != nil {
		return err
	}

	snapshot, _ := json.Marshal(epq)
	if _, err := r.db.InsertDLQ(db.DeadLetterQueue{
		EmailQueueID:      epq.ID,
		OperationType:     db.OpTypeWorkflowStart,
		ProviderMessageID: epq.ProviderMessageID,
		ErrorType:         errType,
		ErrorMessage:      cause.Error(),
		RetryCount:        epq.RetryCount + 1,
		ContextJSON:       string(snapshot),
	}); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.DLQTotal.WithLabelValues(db.OpTypeWorkflowStart, errType).Inc()
	}
	return nil
}

// resumeStaleProcessing finds EPQ rows abandoned at status=processing by a
// crash or interrupted process (spec §4.2 "on restart the engine resumes
// from that node") and re-attempts them through the same retry/DLQ path as
// a fresh dispatch. Run once at Start and periodically thereafter, since a
// process can also wedge a row mid-run without actually dying.
func (r *Runner) resumeStaleProcessing(ctx context.Context) {
	rows, err := r.db.ListStaleProcessing(int(staleProcessingThreshold.Seconds()), 100)
	if err != nil {
		r.logger.Error("list stale processing", "error", err)
		return
	}

	for _, epq := range rows {
		r.mu.Lock()
		if r.inFlight[epq.ID] {
			r.mu.Unlock()
			continue
		}
		r.inFlight[epq.ID] = true
		r.mu.Unlock()

		r.logger.Warn("resuming stale processing email", "email_id", epq.ID, "stale_since", epq.UpdatedAt)

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.inFlight, epq.ID)
			r.mu.Unlock()
			return
		}

		r.wg.Add(1)
		go r.runWorkflowStart(ctx, epq.ID)
	}
}

// dispatchIndexing runs one indexing supervisor tick, bounded by the batch
// wall-clock limit. The supervisor itself is single-flight per user — see
// indexing.Service.SupervisorTick — so the runner doesn't need its own
// per-user dedup here.
func (r *Runner) dispatchIndexing(ctx context.Context) {
	if r.indexer == nil {
		return
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()

		taskCtx, cancel := context.WithTimeout(ctx, IndexingBatchTimeout)
		defer cancel()
		r.indexer.SupervisorTick(taskCtx)
	}()
}

// RunOnce starts the workflow for a single email id immediately, bounded by
// the ordinary workflow-step timeout. Used by the operator CLI's `/retry`
// path and by the poller's synchronous "index it now" callers that want to
// bypass the dispatch tick.
func (r *Runner) RunOnce(ctx context.Context, emailID int64) error {
	taskCtx, cancel := context.WithTimeout(ctx, WorkflowStepTimeout)
	defer cancel()
	if err := r.engine.Start(taskCtx, emailID); err != nil {
		return fmt.Errorf("run workflow for email %d: %w", emailID, err)
	}
	return nil
}
