package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/vectorstore"
)

func newTestConfig(t *testing.T) (*db.DB, *config.Config) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	cfg := config.New(d)
	cfg.IndexingRateLimitDelaySecs = 0
	cfg.IndexingBatchSize = 2
	return d, cfg
}

func seedUser(t *testing.T, d *db.DB) int64 {
	t.Helper()
	res, err := d.Exec(`INSERT INTO users (email, access_token_enc, refresh_token_enc, active) VALUES (?, 'x', 'y', 1)`,
		fmt.Sprintf("u%d@example.com", seedUserSeq.Add(1)))
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

var seedUserSeq atomic.Int64

type fakeMail struct {
	ids    []string
	bodies map[string]*provider.Message
}

func (f *fakeMail) ListAllMessages(ctx context.Context, userID int64, query string) ([]string, error) {
	return f.ids, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error) {
	if m, ok := f.bodies[id]; ok {
		return m, nil
	}
	return &provider.Message{ID: id, Body: "hello world", From: "a@b.com", ReceivedAt: time.Now()}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1}
	}
	return out, nil
}

type fakeStore struct {
	upserted     []vectorstore.Point
	deleted      bool
	deletedUsers []int64
}

func (f *fakeStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeStore) DeleteOlderThan(ctx context.Context, userID int64, cutoff int64) error {
	f.deleted = true
	f.deletedUsers = append(f.deletedUsers, userID)
	return nil
}

func TestStartIndexingRefusesWhenInProgress(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d)
	require.NoError(t, d.StartIndexing(userID, 10))

	mail := &fakeMail{ids: []string{"m1"}}
	svc := New(d, mail, fakeEmbedder{}, &fakeStore{}, nil, cfg)
	err := svc.StartIndexing(context.Background(), userID, "")
	require.Error(t, err)
}

func TestStartIndexingProcessesAllBatches(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d)

	mail := &fakeMail{ids: []string{"m1", "m2", "m3"}}
	store := &fakeStore{}
	svc := New(d, mail, fakeEmbedder{}, store, nil, cfg)

	require.NoError(t, svc.StartIndexing(context.Background(), userID, ""))
	assert.Len(t, store.upserted, 3)

	progress, err := d.GetIndexingProgress(userID)
	require.NoError(t, err)
	assert.Equal(t, db.IndexingStatusCompleted, progress.Status)
	assert.Equal(t, 3, progress.ProcessedCount)
}

func TestIndexNewMailNoOpBeforeBackfillCompletes(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d)

	mail := &fakeMail{}
	store := &fakeStore{}
	svc := New(d, mail, fakeEmbedder{}, store, nil, cfg)

	require.NoError(t, svc.IndexNewMail(context.Background(), userID, "m1"))
	assert.Empty(t, store.upserted)
}

func TestIndexNewMailUpsertsAfterBackfillComplete(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d)
	require.NoError(t, d.StartIndexing(userID, 1))
	require.NoError(t, d.CompleteIndexing(userID))

	mail := &fakeMail{}
	store := &fakeStore{}
	svc := New(d, mail, fakeEmbedder{}, store, nil, cfg)

	require.NoError(t, svc.IndexNewMail(context.Background(), userID, "m1"))
	assert.Len(t, store.upserted, 1)
}

func TestHandleTransientFailurePausesThenFails(t *testing.T) {
	d, cfg := newTestConfig(t)
	cfg.IndexingMaxRetries = 2
	userID := seedUser(t, d)
	require.NoError(t, d.StartIndexing(userID, 1))

	svc := New(d, &fakeMail{}, fakeEmbedder{}, &fakeStore{}, nil, cfg)

	require.Error(t, svc.handleTransientFailure(userID, errors.New("boom")))
	p, err := d.GetIndexingProgress(userID)
	require.NoError(t, err)
	assert.Equal(t, db.IndexingStatusPaused, p.Status)
	assert.Equal(t, 1, p.RetryCount)

	require.Error(t, svc.handleTransientFailure(userID, errors.New("boom")))
	p, err = d.GetIndexingProgress(userID)
	require.NoError(t, err)
	assert.Equal(t, db.IndexingStatusFailed, p.Status)
}

func TestCleanupOldDelegatesToStore(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d)
	store := &fakeStore{}
	svc := New(d, &fakeMail{}, fakeEmbedder{}, store, nil, cfg)

	require.NoError(t, svc.CleanupOld(context.Background(), userID, 90))
	assert.True(t, store.deleted)
}

func TestCleanupAllUsersSweepsEveryActiveUser(t *testing.T) {
	d, cfg := newTestConfig(t)
	userA := seedUser(t, d)
	userB := seedUser(t, d)
	store := &fakeStore{}
	svc := New(d, &fakeMail{}, fakeEmbedder{}, store, nil, cfg)

	require.NoError(t, svc.CleanupAllUsers(context.Background()))
	assert.ElementsMatch(t, []int64{userA, userB}, store.deletedUsers)
}
