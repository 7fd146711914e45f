// Package approval is the human-in-the-loop channel (spec §4.6, C12):
// it renders sorting proposals and draft-response notifications as chat
// messages with inline keyboards, resolves inbound callback taps and
// free-text edits back to a workflow thread, and falls back to a durable
// manual-notification queue when chat delivery is exhausted. Grounded on
// extensions/ty-email/internal/bridge/bridge.go's thin "send to an
// external system and remember the handle" client idiom, applied here to
// chat messages instead of an SSH bridge socket.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bborn/mailassist/internal/chat"
	"github.com/bborn/mailassist/internal/classify"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/events"
	"github.com/bborn/mailassist/internal/retry"
	"github.com/bborn/mailassist/internal/workflow"
)

const truncatedMessageLimit = 4000

// chatTransport is the subset of chat.Client the approval channel depends
// on, narrowed for test fakes.
type chatTransport interface {
	Send(ctx context.Context, chatChannelID, text string) (string, error)
	SendWithButtons(ctx context.Context, chatChannelID, text string, buttons []chat.Button) (string, error)
	EditText(ctx context.Context, chatChannelID, messageID, text string) error
	Delete(ctx context.Context, chatChannelID, messageID string) error
}

// resumer is the subset of workflow.Engine the approval channel depends
// on, so callback/edit handling can resume a suspended thread.
type resumer interface {
	Resume(ctx context.Context, threadID string, decision workflow.Decision) error
}

// Channel implements the workflow package's approvalChannel interface and
// owns callback/edit-flow resolution for the chat surface.
type Channel struct {
	db     *db.DB
	chat   chatTransport
	eng    resumer
	events *events.Manager // optional

	retryPolicy retry.Policy // zero value defers to retry.Default

	mu          sync.Mutex
	pendingEdit map[int64]string // email_id -> chat_channel_id awaiting free-text reply
}

// New constructs a Channel. evt may be nil (event emission becomes a no-op).
func New(database *db.DB, chatClient chatTransport, engine resumer, evt *events.Manager) *Channel {
	return &Channel{db: database, chat: chatClient, eng: engine, events: evt, retryPolicy: retry.Default, pendingEdit: make(map[int64]string)}
}

// SendProposal renders and delivers the sorting-proposal message (spec
// §4.6 "Sorting proposal message").
func (c *Channel) SendProposal(ctx context.Context, userID int64, epq *db.EPQ, body string, result *classify.Result) (string, error) {
	user, err := c.db.GetUser(userID)
	if err != nil {
		return "", err
	}
	if user == nil || !user.ChatChannelID.Valid {
		return "", fmt.Errorf("user %d has no chat channel", userID)
	}

	folders, err := c.db.ListFolders(userID)
	if err != nil {
		return "", err
	}

	text := renderProposal(epq, body, result)
	buttons := proposalButtons(epq.ID, folders)

	msgID, err := c.deliverWithButtons(ctx, userID, user.ChatChannelID.String, text, buttons, epq.ID)
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// SendDraftNotification renders and delivers the draft-approval message
// (spec §4.6 "Draft notification message"), replacing the proposal
// message id stored on the thread.
func (c *Channel) SendDraftNotification(ctx context.Context, userID int64, epq *db.EPQ, draft, language, tone string) (string, error) {
	user, err := c.db.GetUser(userID)
	if err != nil {
		return "", err
	}
	if user == nil || !user.ChatChannelID.Valid {
		return "", fmt.Errorf("user %d has no chat channel", userID)
	}

	text := renderDraft(epq, draft, language, tone)
	buttons := []chat.Button{
		{Text: "✅ Send", CallbackData: fmt.Sprintf("send_response_%d", epq.ID)},
		{Text: "✏ Edit", CallbackData: fmt.Sprintf("edit_response_%d", epq.ID)},
		{Text: "❌ Reject", CallbackData: fmt.Sprintf("reject_response_%d", epq.ID)},
	}

	msgID, err := c.deliverWithButtons(ctx, userID, user.ChatChannelID.String, text, buttons, epq.ID)
	if err != nil {
		return "", err
	}
	return msgID, nil
}

// SendConfirmation deletes the proposal/draft message (if any) and sends a
// single final summary (spec §4.6 "Message lifecycle").
func (c *Channel) SendConfirmation(ctx context.Context, userID int64, epq *db.EPQ, approved bool) error {
	user, err := c.db.GetUser(userID)
	if err != nil {
		return err
	}
	if user == nil || !user.ChatChannelID.Valid {
		return nil // no channel to confirm on; non-critical per spec §7
	}

	if mapping, merr := c.db.GetWorkflowMappingByEmailID(epq.ID); merr == nil && mapping != nil && mapping.ChatMessageID.Valid {
		_ = c.chat.Delete(ctx, user.ChatChannelID.String, mapping.ChatMessageID.String)
	}

	text := renderConfirmation(epq, approved)
	err = retry.Do(ctx, c.retryPolicy, func(int) error {
		_, serr := c.chat.Send(ctx, user.ChatChannelID.String, text)
		return serr
	})
	if err != nil && retry.Exhausted(err) {
		return c.queueManual(epq.ID, user.ChatChannelID.String, text, "", err)
	}
	return err
}

// deliverWithButtons implements the three-tier delivery reliability: retry
// with backoff, then truncate, then fall back to the manual-notification
// queue without raising (spec §4.6 "Delivery reliability").
func (c *Channel) deliverWithButtons(ctx context.Context, userID int64, chatChannelID, text string, buttons []chat.Button, emailID int64) (string, error) {
	text = truncateMessage(text)

	var msgID string
	err := retry.Do(ctx, c.retryPolicy, func(int) error {
		id, serr := c.chat.SendWithButtons(ctx, chatChannelID, text, buttons)
		if serr != nil {
			return serr
		}
		msgID = id
		return nil
	})
	if err == nil {
		return msgID, nil
	}

	if !retry.Exhausted(err) {
		return "", err // permanent: caller (workflow) must decide how to proceed
	}

	buttonsJSON, _ := json.Marshal(buttons)
	if qerr := c.queueManual(emailID, chatChannelID, text, string(buttonsJSON), err); qerr != nil {
		return "", qerr
	}
	// The workflow proceeds to its interrupt even though delivery failed;
	// the manual queue carries the notification out of band (spec §4.6).
	return "", nil
}

func (c *Channel) queueManual(emailID int64, chatChannelID, text, buttonsJSON string, cause error) error {
	errType := string(taxonomy.KindOf(cause))
	if errType == "" {
		errType = "unknown"
	}
	_, err := c.db.InsertManualNotification(emailID, chatChannelID, text, buttonsJSON, errType)
	if err == nil && c.events != nil {
		c.events.Emit(events.Event{Type: events.EventManualNotification, EmailQueueID: emailID, Message: errType})
	}
	return err
}

// HandleUpdate resolves one inbound chat update: a callback tap (proposal
// decision or draft decision) or a free-text reply completing an edit flow
// (spec §4.6 "Callback resolution", "Edit flow").
func (c *Channel) HandleUpdate(ctx context.Context, upd chat.Update) error {
	if !upd.IsCallback {
		return c.handleFreeText(ctx, upd)
	}
	return c.handleCallback(ctx, upd)
}

func (c *Channel) handleCallback(ctx context.Context, upd chat.Update) error {
	if emailID, folderID, ok := parseFolderCallback(upd.CallbackData); ok {
		mapping, err := c.db.GetWorkflowMappingByEmailID(emailID)
		if err != nil {
			return err
		}
		if mapping == nil {
			return fmt.Errorf("no workflow mapping for email %d", emailID)
		}
		return c.eng.Resume(ctx, mapping.ThreadID, workflow.Decision{UserDecision: workflow.DecisionChangeFolder, SelectedFolderID: folderID})
	}

	action, emailID, err := parseCallbackData(upd.CallbackData)
	if err != nil {
		return err
	}

	mapping, err := c.db.GetWorkflowMappingByEmailID(emailID)
	if err != nil {
		return err
	}
	if mapping == nil {
		return fmt.Errorf("no workflow mapping for email %d", emailID)
	}

	switch action {
	case workflow.DecisionApprove, workflow.DecisionReject:
		return c.eng.Resume(ctx, mapping.ThreadID, workflow.Decision{UserDecision: action})

	case workflow.DraftDecisionSend, workflow.DraftDecisionReject:
		return c.eng.Resume(ctx, mapping.ThreadID, workflow.Decision{DraftDecision: action})

	case "edit_response":
		c.mu.Lock()
		c.pendingEdit[emailID] = upd.ChatID
		c.mu.Unlock()
		_, serr := c.chat.Send(ctx, upd.ChatID, "Send the new reply text.")
		return serr

	default:
		return fmt.Errorf("unknown callback action %q", action)
	}
}

// parseFolderCallback recognizes "folder_{email_id}_{folder_id}" callback
// data from the proposal message's per-folder buttons (spec §4.6 "Change
// folder expands to user folders").
func parseFolderCallback(data string) (emailID, folderID int64, ok bool) {
	if !strings.HasPrefix(data, "folder_") {
		return 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(data, "folder_"), "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	emailID, err1 := strconv.ParseInt(parts[0], 10, 64)
	folderID, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return emailID, folderID, true
}

func (c *Channel) handleFreeText(ctx context.Context, upd chat.Update) error {
	c.mu.Lock()
	var targetEmailID int64
	var found bool
	for emailID, chatChannelID := range c.pendingEdit {
		if chatChannelID == upd.ChatID {
			targetEmailID = emailID
			found = true
			delete(c.pendingEdit, emailID)
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return nil // not an edit reply; ignore
	}

	if err := c.db.SetDraftResponse(targetEmailID, upd.Text); err != nil {
		return err
	}

	mapping, err := c.db.GetWorkflowMappingByEmailID(targetEmailID)
	if err != nil {
		return err
	}
	if mapping == nil {
		return fmt.Errorf("no workflow mapping for email %d", targetEmailID)
	}
	return c.eng.Resume(ctx, mapping.ThreadID, workflow.Decision{DraftDecision: workflow.DraftDecisionEdit})
}

// parseCallbackData parses "{action}_response_{email_id}" (draft decisions)
// or "{action}_{email_id}" (proposal decisions), returning the action
// exactly as handleCallback switches on ("approve", "change_folder",
// "send_response", ...).
func parseCallbackData(data string) (action string, emailID int64, err error) {
	parts := strings.Split(data, "_")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("malformed callback data %q", data)
	}
	idStr := parts[len(parts)-1]
	id, perr := strconv.ParseInt(idStr, 10, 64)
	if perr != nil {
		return "", 0, fmt.Errorf("malformed callback data %q: %w", data, perr)
	}
	action = strings.Join(parts[:len(parts)-1], "_")
	return action, id, nil
}

func proposalButtons(emailID int64, folders []*db.FolderCategory) []chat.Button {
	buttons := []chat.Button{
		{Text: "Approve", CallbackData: fmt.Sprintf("approve_%d", emailID)},
		{Text: "Reject", CallbackData: fmt.Sprintf("reject_%d", emailID)},
	}
	for _, f := range folders {
		buttons = append(buttons, chat.Button{
			Text:         "→ " + f.Name,
			CallbackData: fmt.Sprintf("folder_%d_%d", emailID, f.ID),
		})
	}
	return buttons
}

func renderProposal(epq *db.EPQ, body string, result *classify.Result) string {
	var sb strings.Builder
	if epq.IsPriority {
		sb.WriteString("⚠️ PRIORITY\n")
	}
	sb.WriteString(fmt.Sprintf("From: %s\nSubject: %s\n\n", epq.Sender, epq.Subject))
	sb.WriteString(preview(body, 100))
	sb.WriteString("\n\n")

	folderName := "Important"
	reasoning := ""
	needsResponse := false
	hasDraft := false
	if result != nil {
		folderName = result.SuggestedFolder
		reasoning = result.Reasoning
		needsResponse = result.NeedsResponse
		hasDraft = result.ResponseDraft != ""
	}
	sb.WriteString(fmt.Sprintf("Proposed folder: %s\n", folderName))
	if reasoning != "" {
		sb.WriteString(fmt.Sprintf("Reasoning: %s\n", reasoning))
	}
	if needsResponse {
		sb.WriteString("Needs response: yes\n")
	}
	if hasDraft {
		sb.WriteString("Draft ready: yes\n")
	}
	return sb.String()
}

func renderDraft(epq *db.EPQ, draft, language, tone string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("From: %s\nSubject: %s\n", epq.Sender, epq.Subject))
	sb.WriteString(fmt.Sprintf("(%s, %s)\n", language, tone))
	sb.WriteString("-----\n")
	sb.WriteString(draft)
	sb.WriteString("\n-----\n")
	return sb.String()
}

func renderConfirmation(epq *db.EPQ, approved bool) string {
	if !approved {
		return fmt.Sprintf("Rejected: %s", epq.Subject)
	}
	return fmt.Sprintf("Done: %s", epq.Subject)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func truncateMessage(text string) string {
	if len(text) <= truncatedMessageLimit {
		return text
	}
	return text[:truncatedMessageLimit] + "…"
}
