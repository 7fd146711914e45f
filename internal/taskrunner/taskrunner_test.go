package taskrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/retry"
)

func newFixture(t *testing.T) (*db.DB, *config.Config) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, config.New(d)
}

func seedUser(t *testing.T, d *db.DB) int64 {
	t.Helper()
	res, err := d.Exec(`INSERT INTO users (email, access_token_enc, refresh_token_enc, active) VALUES (?, 'x', 'y', 1)`, "u@example.com")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

type fakeEngine struct {
	mu      sync.Mutex
	started []int64
	block   chan struct{} // if non-nil, Start blocks on this until closed
}

func (f *fakeEngine) Start(ctx context.Context, emailID int64) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.started = append(f.started, emailID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// failingEngine fails its first failUntil calls with a transient error, then
// succeeds, recording every attempt.
type failingEngine struct {
	mu         sync.Mutex
	failUntil  int32
	attempts   int32
	alwaysFail bool
}

func (f *failingEngine) Start(ctx context.Context, emailID int64) error {
	n := atomic.AddInt32(&f.attempts, 1)
	if f.alwaysFail || n <= f.failUntil {
		return taxonomy.New(taxonomy.ServerError, "workflow_start", errors.New("boom"))
	}
	return nil
}

func (f *failingEngine) attemptCount() int {
	return int(atomic.LoadInt32(&f.attempts))
}

type fakeIndexer struct {
	ticks int32
}

func (f *fakeIndexer) SupervisorTick(ctx context.Context) {
	atomic.AddInt32(&f.ticks, 1)
}

func TestDispatchPendingStartsEachRowOnce(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)

	_, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)
	_, err = d.InsertPending(userID, "m2", "t2", "b@example.com", "Hello 2", time.Now())
	require.NoError(t, err)

	eng := &fakeEngine{}
	r := New(d, eng, nil, cfg, nil, 4)

	r.dispatchPending(context.Background())
	r.wg.Wait()

	assert.Equal(t, 2, eng.startedCount())
}

func TestDispatchPendingSkipsRowAlreadyInFlight(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)

	res, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)

	block := make(chan struct{})
	eng := &fakeEngine{block: block}
	r := New(d, eng, nil, cfg, nil, 4)

	r.mu.Lock()
	r.inFlight[res.ID] = true
	r.mu.Unlock()

	r.dispatchPending(context.Background())
	close(block)
	r.wg.Wait()

	assert.Equal(t, 0, eng.startedCount()) // the in-flight row was skipped entirely
}

func TestRunOnceStartsImmediately(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)
	res, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)

	eng := &fakeEngine{}
	r := New(d, eng, nil, cfg, nil, 2)

	require.NoError(t, r.RunOnce(context.Background(), res.ID))
	assert.Equal(t, 1, eng.startedCount())
}

func TestDispatchIndexingTicksSupervisor(t *testing.T) {
	d, cfg := newFixture(t)
	idx := &fakeIndexer{}
	r := New(d, &fakeEngine{}, idx, cfg, nil, 2)

	r.dispatchIndexing(context.Background())
	r.wg.Wait()

	assert.Equal(t, int32(1), idx.ticks)
}

func TestDispatchIndexingNoopWithoutIndexer(t *testing.T) {
	d, cfg := newFixture(t)
	r := New(d, &fakeEngine{}, nil, cfg, nil, 2)

	r.dispatchIndexing(context.Background())
	r.wg.Wait() // must not hang or panic with a nil indexer
}

func TestStartStopLifecycle(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)
	_, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)

	eng := &fakeEngine{}
	r := New(d, eng, nil, cfg, nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	require.Eventually(t, func() bool { return eng.startedCount() == 1 }, 2*time.Second, 20*time.Millisecond)

	r.Stop()
	// Starting again after Stop should be a clean re-entry, not a panic.
	r.Start(ctx)
	r.Stop()
}

func TestRunWorkflowStartRetriesTransientFailureThenSucceeds(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)
	res, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)

	eng := &failingEngine{failUntil: 1}
	r := New(d, eng, nil, cfg, nil, 2)
	r.retryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	r.wg.Add(1)
	r.sem <- struct{}{}
	r.runWorkflowStart(context.Background(), res.ID)

	assert.Equal(t, 2, eng.attemptCount())

	epq, err := d.GetEPQ(res.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusProcessing, epq.Status) // fakeEngine never advances status past Start's own update
}

func TestRunWorkflowStartDeadLettersOnExhaustedRetries(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)
	res, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)

	eng := &failingEngine{alwaysFail: true}
	r := New(d, eng, nil, cfg, nil, 2)
	r.retryPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	r.wg.Add(1)
	r.sem <- struct{}{}
	r.runWorkflowStart(context.Background(), res.ID)

	assert.Equal(t, 3, eng.attemptCount())

	epq, err := d.GetEPQ(res.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusError, epq.Status)
	assert.NotEmpty(t, epq.ErrorType)

	dlqRows, err := d.ListUnresolvedDLQ(10)
	require.NoError(t, err)
	require.Len(t, dlqRows, 1)
	assert.Equal(t, db.OpTypeWorkflowStart, dlqRows[0].OperationType)
}

func TestResumeStaleProcessingRetriesAbandonedRow(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)
	res, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)
	require.NoError(t, d.UpdateEPQStatus(res.ID, db.StatusProcessing))
	_, err = d.Exec(`UPDATE email_processing_queue SET updated_at = datetime('now', '-1 hour') WHERE id = ?`, res.ID)
	require.NoError(t, err)

	eng := &fakeEngine{}
	r := New(d, eng, nil, cfg, nil, 2)

	r.resumeStaleProcessing(context.Background())
	r.wg.Wait()

	assert.Equal(t, 1, eng.startedCount())
}

func TestResumeStaleProcessingIgnoresRecentRow(t *testing.T) {
	d, cfg := newFixture(t)
	userID := seedUser(t, d)
	res, err := d.InsertPending(userID, "m1", "t1", "a@example.com", "Hello", time.Now())
	require.NoError(t, err)
	require.NoError(t, d.UpdateEPQStatus(res.ID, db.StatusProcessing))

	eng := &fakeEngine{}
	r := New(d, eng, nil, cfg, nil, 2)

	r.resumeStaleProcessing(context.Background())
	r.wg.Wait()

	assert.Equal(t, 0, eng.startedCount())
}
