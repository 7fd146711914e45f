package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/vectorstore"
)

type fakeMail struct {
	thread  []*provider.Message
	bodies  map[string]*provider.Message
	threadErr error
}

func (f *fakeMail) GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error) {
	if m, ok := f.bodies[id]; ok {
		return m, nil
	}
	return &provider.Message{ID: id, Body: "body"}, nil
}

func (f *fakeMail) GetThread(ctx context.Context, userID int64, threadID string) ([]*provider.Message, error) {
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	return f.thread, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{{0.1, 0.2}}, nil
}

type fakeSearcher struct {
	matches []vectorstore.Match
}

func (f fakeSearcher) Query(ctx context.Context, vector []float32, filter vectorstore.Filter, topK uint64) ([]vectorstore.Match, error) {
	return f.matches, nil
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return config.New(d)
}

func msgAt(id string, when time.Time) *provider.Message {
	return &provider.Message{ID: id, From: "a@b.com", Subject: "s", Body: "hello", ReceivedAt: when}
}

func TestAssembleThreadOnlyWhenLongThread(t *testing.T) {
	cfg := newTestConfig(t)
	var thread []*provider.Message
	for i := 0; i < 8; i++ {
		thread = append(thread, msgAt("m"+string(rune('a'+i)), time.Now().Add(time.Duration(i)*time.Hour)))
	}
	mail := &fakeMail{thread: thread}
	svc := New(nil, mail, fakeEmbedder{}, fakeSearcher{}, cfg)

	epq := &db.EPQ{UserID: 1, ProviderMessageID: "current", ProviderThreadID: "t1", Sender: "x@y.com", Subject: "hi"}
	out, err := svc.Assemble(context.Background(), epq)
	require.NoError(t, err)
	assert.Equal(t, 8, out.Metadata.ThreadLength)
	assert.Equal(t, cfg.ThreadHistoryLimit, len(out.ThreadHistory))
	assert.Equal(t, 0, out.Metadata.AdaptiveK)
	assert.Empty(t, out.SemanticResults)
}

func TestAssembleFatalOnThreadFetchFailure(t *testing.T) {
	cfg := newTestConfig(t)
	mail := &fakeMail{threadErr: assertErr{}}
	svc := New(nil, mail, fakeEmbedder{}, fakeSearcher{}, cfg)

	epq := &db.EPQ{UserID: 1, ProviderMessageID: "current", ProviderThreadID: "t1"}
	_, err := svc.Assemble(context.Background(), epq)
	require.Error(t, err)
}

func TestAssembleRunsSemanticSearchForShortThread(t *testing.T) {
	cfg := newTestConfig(t)
	mail := &fakeMail{
		thread: []*provider.Message{msgAt("m1", time.Now())},
		bodies: map[string]*provider.Message{
			"s1": msgAt("s1", time.Now().Add(-time.Hour)),
		},
	}
	searcher := fakeSearcher{matches: []vectorstore.Match{{ID: "s1", Score: 0.9, SentAt: time.Now().Unix()}}}
	svc := New(nil, mail, fakeEmbedder{}, searcher, cfg)

	epq := &db.EPQ{UserID: 1, ProviderMessageID: "current", ProviderThreadID: "t1", Sender: "x@y.com", Subject: "hi"}
	out, err := svc.Assemble(context.Background(), epq)
	require.NoError(t, err)
	assert.Equal(t, cfg.ShortThreadK, out.Metadata.AdaptiveK)
	assert.Len(t, out.SemanticResults, 1)
}

func TestEnforceBudgetTrimsOldestThreadFirst(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.MaxContextTokens = 5
	svc := New(nil, &fakeMail{}, fakeEmbedder{}, fakeSearcher{}, cfg)

	thread := []EmailMessage{
		{Sender: "a", Body: "this is a long body that takes many tokens to encode fully here"},
		{Sender: "b", Body: "short"},
	}
	trimmed, semantic, md := svc.enforceBudget(thread, nil, Metadata{})
	assert.LessOrEqual(t, len(trimmed), len(thread))
	assert.Empty(t, semantic)
	assert.LessOrEqual(t, md.TotalTokensUsed, md.ThreadTokens+md.SemanticTokens)
}

func TestCountTokensFallsBackToCharEstimate(t *testing.T) {
	cfg := newTestConfig(t)
	svc := &Service{cfg: cfg, tokenizer: nil}
	assert.Equal(t, 3, svc.countTokens("12345678910"))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
