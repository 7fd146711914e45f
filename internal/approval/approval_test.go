package approval

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bborn/mailassist/internal/chat"
	"github.com/bborn/mailassist/internal/classify"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/retry"
	"github.com/bborn/mailassist/internal/workflow"
)

func newFixture(t *testing.T) (*db.DB, int64, int64) {
	t.Helper()
	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	res, err := d.Exec(`INSERT INTO users (email, access_token_enc, refresh_token_enc, chat_channel_id, active) VALUES (?, 'x', 'y', '555', 1)`, "u@example.com")
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)

	fres, err := d.Exec(`INSERT INTO folder_categories (user_id, name, external_label_id, keywords) VALUES (?, 'Important', '', '')`, userID)
	require.NoError(t, err)
	folderID, err := fres.LastInsertId()
	require.NoError(t, err)

	return d, userID, folderID
}

func seedMapping(t *testing.T, d *db.DB, userID int64) (emailID int64, threadID string) {
	t.Helper()
	r, err := d.InsertPending(userID, "m1", "t1", "sender@example.com", "Hello", time.Now())
	require.NoError(t, err)
	threadID = "thread-1"
	require.NoError(t, d.CreateWorkflowMapping(r.ID, userID, threadID))
	return r.ID, threadID
}

type fakeChat struct {
	sendErr      error
	sent         []string
	sentButtons  []string
	deleted      []string
	nextMsgID    string
}

func (f *fakeChat) Send(ctx context.Context, chatChannelID, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, text)
	return "msg-1", nil
}

func (f *fakeChat) SendWithButtons(ctx context.Context, chatChannelID, text string, buttons []chat.Button) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentButtons = append(f.sentButtons, text)
	if f.nextMsgID != "" {
		return f.nextMsgID, nil
	}
	return "msg-proposal", nil
}

func (f *fakeChat) EditText(ctx context.Context, chatChannelID, messageID, text string) error {
	return nil
}

func (f *fakeChat) Delete(ctx context.Context, chatChannelID, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeResumer struct {
	calls []workflow.Decision
}

func (f *fakeResumer) Resume(ctx context.Context, threadID string, decision workflow.Decision) error {
	f.calls = append(f.calls, decision)
	return nil
}

func TestSendProposalDeliversMessageWithButtons(t *testing.T) {
	d, userID, folderID := newFixture(t)
	_, _ = d, folderID
	emailID, _ := seedMapping(t, d, userID)
	epq, err := d.GetEPQ(emailID)
	require.NoError(t, err)

	fc := &fakeChat{}
	ch := New(d, fc, &fakeResumer{}, nil)

	msgID, err := ch.SendProposal(context.Background(), userID, epq, "please review this", &classify.Result{SuggestedFolder: "Important", Reasoning: "looks routine"})
	require.NoError(t, err)
	assert.Equal(t, "msg-proposal", msgID)
	require.Len(t, fc.sentButtons, 1)
	assert.Contains(t, fc.sentButtons[0], "please review this")
	assert.Contains(t, fc.sentButtons[0], "Important")
}

func TestDeliveryFallsBackToManualNotificationOnExhaustion(t *testing.T) {
	d, userID, _ := newFixture(t)
	emailID, _ := seedMapping(t, d, userID)
	epq, err := d.GetEPQ(emailID)
	require.NoError(t, err)

	fc := &fakeChat{sendErr: taxonomy.New(taxonomy.NetworkError, "chat_send", assertErr{})}
	ch := New(d, fc, &fakeResumer{}, nil)
	ch.retryPolicy = retry.Policy{MaxAttempts: 1} // skip backoff sleeps in the test

	msgID, err := ch.SendProposal(context.Background(), userID, epq, "body", &classify.Result{SuggestedFolder: "Important"})
	require.NoError(t, err) // three-tier fallback never raises to the caller
	assert.Empty(t, msgID)

	pending, err := d.ListPendingManualNotifications(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, emailID, pending[0].EmailID)
}

func TestHandleCallbackApproveResumesWithDecision(t *testing.T) {
	d, userID, _ := newFixture(t)
	emailID, threadID := seedMapping(t, d, userID)
	_ = emailID

	res := &fakeResumer{}
	ch := New(d, &fakeChat{}, res, nil)

	err := ch.HandleUpdate(context.Background(), chat.Update{
		IsCallback:   true,
		CallbackData: callbackFor("approve", emailID),
	})
	require.NoError(t, err)
	require.Len(t, res.calls, 1)
	assert.Equal(t, workflow.DecisionApprove, res.calls[0].UserDecision)
	_ = threadID
}

func TestHandleCallbackFolderSelectionCarriesFolderID(t *testing.T) {
	d, userID, folderID := newFixture(t)
	emailID, _ := seedMapping(t, d, userID)

	res := &fakeResumer{}
	ch := New(d, &fakeChat{}, res, nil)

	err := ch.HandleUpdate(context.Background(), chat.Update{
		IsCallback:   true,
		CallbackData: folderCallbackFor(emailID, folderID),
	})
	require.NoError(t, err)
	require.Len(t, res.calls, 1)
	assert.Equal(t, workflow.DecisionChangeFolder, res.calls[0].UserDecision)
	assert.Equal(t, folderID, res.calls[0].SelectedFolderID)
}

func TestEditFlowPromptsThenResumesOnFreeText(t *testing.T) {
	d, userID, _ := newFixture(t)
	emailID, _ := seedMapping(t, d, userID)

	res := &fakeResumer{}
	fc := &fakeChat{}
	ch := New(d, fc, res, nil)

	err := ch.HandleUpdate(context.Background(), chat.Update{
		IsCallback:   true,
		CallbackData: callbackFor("edit_response", emailID),
		ChatID:       "555",
	})
	require.NoError(t, err)
	assert.Len(t, fc.sent, 1) // "send the new text" prompt

	err = ch.HandleUpdate(context.Background(), chat.Update{
		ChatID: "555",
		Text:   "a revised reply",
	})
	require.NoError(t, err)
	require.Len(t, res.calls, 1)
	assert.Equal(t, workflow.DraftDecisionEdit, res.calls[0].DraftDecision)

	epq, err := d.GetEPQ(emailID)
	require.NoError(t, err)
	assert.Equal(t, "a revised reply", epq.DraftResponse.String)
}

func TestSendConfirmationDeletesPriorMessage(t *testing.T) {
	d, userID, _ := newFixture(t)
	emailID, threadID := seedMapping(t, d, userID)
	require.NoError(t, d.SetChatMessageID(threadID, "msg-proposal"))

	epq, err := d.GetEPQ(emailID)
	require.NoError(t, err)

	fc := &fakeChat{}
	ch := New(d, fc, &fakeResumer{}, nil)

	err = ch.SendConfirmation(context.Background(), userID, epq, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-proposal"}, fc.deleted)
	assert.Len(t, fc.sent, 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func callbackFor(action string, emailID int64) string {
	return action + "_" + strconv.FormatInt(emailID, 10)
}

func folderCallbackFor(emailID, folderID int64) string {
	return "folder_" + strconv.FormatInt(emailID, 10) + "_" + strconv.FormatInt(folderID, 10)
}

