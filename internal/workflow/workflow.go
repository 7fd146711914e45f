// Package workflow drives each queued email through a durable, resumable
// node graph with human-in-the-loop pauses (spec §4.2, C11). No package in
// bborn/workflow has an interrupt/resume state machine: its task status
// in internal/db/tasks.go and internal/db/orchestration.go is a single
// field with no suspension point. This engine is grounded on the *shape*
// of internal/executor/executor.go's SuspendTask/ResumeTask/Interrupt trio
// (persist state, signal, resume from the last durable point) generalized
// into a named-node graph, with per-node checkpointing grounded on
// internal/executor's task-log idiom of recording state before acting.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/bborn/mailassist/internal/classify"
	"github.com/bborn/mailassist/internal/config"
	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/events"
	"github.com/bborn/mailassist/internal/metrics"
	"github.com/bborn/mailassist/internal/provider"
	"github.com/bborn/mailassist/internal/rag"
	"github.com/bborn/mailassist/internal/respond"
)

// Node names, matching the states enumerated in spec §4.2.
const (
	NodeExtractContext        = "extract_context"
	NodeClassify              = "classify"
	NodeDetectPriority        = "detect_priority"
	NodeSendProposal          = "send_proposal"
	NodeSendDraftNotification = "send_draft_notification"
	NodeSendEmailResponse     = "send_email_response"
	NodeExecuteAction         = "execute_action"
	NodeSendConfirmation      = "send_confirmation"
	NodeDone                  = "done"

	stepAfterUserDecision  = "_after_user_decision"
	stepAfterDraftDecision = "_after_draft_decision"
)

// User decisions resuming an interrupted send_proposal node.
const (
	DecisionApprove      = "approve"
	DecisionReject       = "reject"
	DecisionChangeFolder = "change_folder"
)

// Draft decisions resuming an interrupted send_draft_notification node.
const (
	DraftDecisionSend   = "send_response"
	DraftDecisionEdit   = "edit_response"
	DraftDecisionReject = "reject_response"
)

// State is the workflow's entire cross-node memory, serialized into the
// checkpoint payload rather than held on a live session object (spec §4.2
// "Session discipline" — "state passed between nodes is carried in the
// checkpoint payload").
type State struct {
	EmailID          int64
	UserID           int64
	ThreadID         string
	Step             string
	Body             string
	Classification   *classify.Result
	UserDecision     string
	SelectedFolderID int64
	DraftDecision    string
}

// errSuspend signals the run loop that a node persisted an interrupt
// checkpoint and the workflow should stop without returning an error.
var errSuspend = fmt.Errorf("workflow suspended")

// mailSource is the subset of provider.Client the engine depends on.
type mailSource interface {
	GetMessage(ctx context.Context, userID int64, id string) (*provider.Message, error)
	ApplyLabel(ctx context.Context, userID int64, msgID, labelID string) (bool, error)
	CreateLabel(ctx context.Context, userID int64, name string) (string, error)
	SendEmail(ctx context.Context, userID int64, req provider.SendRequest, fromAddr string) (string, error)
}

// ragAssembler is the subset of rag.Service the engine depends on.
type ragAssembler interface {
	Assemble(ctx context.Context, epq *db.EPQ) (*rag.Context, error)
}

// classifier is the subset of classify.Service the engine depends on.
type classifier interface {
	Classify(ctx context.Context, epq *db.EPQ, body string, folders []*db.FolderCategory, ragCtx *rag.Context) (*classify.Result, error)
}

// responder is the subset of respond.Service the engine depends on, used
// when classification routed to needs_response without a draft attached.
type responder interface {
	Generate(ctx context.Context, epq *db.EPQ, body string, ragCtx *rag.Context) (*respond.Result, error)
}

// indexer is the subset of indexing.Service the engine depends on: a
// best-effort side effect of execute_action, not a graph node (spec's data
// flow note "on success the new mail is also indexed").
type indexer interface {
	IndexNewMail(ctx context.Context, userID int64, providerMessageID string) error
}

// approvalChannel is what the engine needs from the approval channel (C12):
// render and deliver the two interrupting prompts and the final summary.
// Delivery-reliability fallback (retry/truncate/manual-notification queue)
// is the approval package's concern; a nil error here always means the
// workflow may safely proceed to its interrupt, per spec §4.6 "the workflow
// sets telegram_notification_failed and does not raise."
type approvalChannel interface {
	SendProposal(ctx context.Context, userID int64, epq *db.EPQ, body string, classification *classify.Result) (chatMessageID string, err error)
	SendDraftNotification(ctx context.Context, userID int64, epq *db.EPQ, draft, language, tone string) (chatMessageID string, err error)
	SendConfirmation(ctx context.Context, userID int64, epq *db.EPQ, approved bool) error
}

// Engine runs the node graph for one mail-assistant deployment.
type Engine struct {
	db         *db.DB
	mail       mailSource
	rag        ragAssembler
	classifier classifier
	responder  responder
	approval   approvalChannel
	indexer    indexer // optional
	cfg        *config.Config
	metrics    *metrics.Registry // optional
	events     *events.Manager   // optional
}

// New constructs an Engine. idx and evt may be nil (indexing/event emission
// become no-ops).
func New(database *db.DB, mail mailSource, ragSvc ragAssembler, clsf classifier, resp responder, approval approvalChannel, idx indexer, cfg *config.Config, reg *metrics.Registry, evt *events.Manager) *Engine {
	return &Engine{db: database, mail: mail, rag: ragSvc, classifier: clsf, responder: resp, approval: approval, indexer: idx, cfg: cfg, metrics: reg, events: evt}
}

// emit is a nil-safe wrapper so every node can fire lifecycle events (spec
// §4.1–§4.5) without an e.events != nil guard at every call site.
func (e *Engine) emit(eventType string, userID, emailQueueID int64, msg string) {
	if e.events == nil {
		return
	}
	e.events.Emit(events.Event{Type: eventType, UserID: userID, EmailQueueID: emailQueueID, Message: msg})
}

// Decision is the payload merged into state on Resume.
type Decision struct {
	UserDecision     string
	SelectedFolderID int64
	DraftDecision    string
}

// Start creates a new workflow thread for emailID and runs it to its first
// interrupt or completion.
func (e *Engine) Start(ctx context.Context, emailID int64) error {
	epq, err := e.db.GetEPQ(emailID)
	if err != nil {
		return err
	}
	if epq == nil {
		return fmt.Errorf("no epq row %d", emailID)
	}

	threadID := uuid.NewString()
	if err := e.db.CreateWorkflowMapping(emailID, epq.UserID, threadID); err != nil {
		return err
	}
	if err := e.db.UpdateEPQStatus(emailID, db.StatusProcessing); err != nil {
		return err
	}

	st := &State{EmailID: emailID, UserID: epq.UserID, ThreadID: threadID, Step: NodeExtractContext}
	return e.run(ctx, st)
}

// Resume merges a human decision into a suspended thread and continues
// execution. A decision for a state the thread has already moved past is a
// safe no-op, covering duplicate callback delivery (spec §4.2 "a second
// resume with an already-set decision must short-circuit the node").
func (e *Engine) Resume(ctx context.Context, threadID string, decision Decision) error {
	mapping, err := e.db.GetWorkflowMappingByThreadID(threadID)
	if err != nil {
		return err
	}
	if mapping == nil {
		return fmt.Errorf("no workflow mapping for thread %s", threadID)
	}

	cp, err := e.db.LatestCheckpoint(threadID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("no checkpoint for thread %s", threadID)
	}
	var st State
	if err := json.Unmarshal([]byte(cp.StateJSON), &st); err != nil {
		return fmt.Errorf("unmarshal checkpoint state: %w", err)
	}

	switch {
	case decision.UserDecision != "":
		if mapping.WorkflowState != db.WorkflowStateAwaitingApproval {
			return nil // already resolved; duplicate callback
		}
		st.UserDecision = decision.UserDecision
		st.SelectedFolderID = decision.SelectedFolderID
		st.Step = stepAfterUserDecision
	case decision.DraftDecision != "":
		if mapping.WorkflowState != db.WorkflowStateAwaitingDraftApproval {
			return nil
		}
		st.DraftDecision = decision.DraftDecision
		st.Step = stepAfterDraftDecision
	default:
		return fmt.Errorf("resume decision carries neither user_decision nor draft_decision")
	}

	return e.run(ctx, &st)
}

// run executes nodes single-threaded for st.ThreadID until the workflow
// suspends or finishes, checkpointing before every node (spec §4.2).
func (e *Engine) run(ctx context.Context, st *State) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal workflow state: %w", err)
		}
		if err := e.db.SaveCheckpoint(st.ThreadID, st.Step, string(raw)); err != nil {
			return err
		}

		var nextErr error
		switch st.Step {
		case NodeExtractContext:
			nextErr = e.extractContext(ctx, st)
		case NodeClassify:
			nextErr = e.classifyNode(ctx, st)
		case NodeDetectPriority:
			nextErr = e.detectPriority(ctx, st)
		case NodeSendProposal:
			nextErr = e.sendProposal(ctx, st)
		case stepAfterUserDecision:
			nextErr = e.afterUserDecision(ctx, st)
		case NodeSendDraftNotification:
			nextErr = e.sendDraftNotification(ctx, st)
		case stepAfterDraftDecision:
			nextErr = e.afterDraftDecision(ctx, st)
		case NodeSendEmailResponse:
			nextErr = e.sendEmailResponse(ctx, st)
		case NodeExecuteAction:
			nextErr = e.executeAction(ctx, st)
		case NodeSendConfirmation:
			nextErr = e.sendConfirmation(ctx, st)
		case NodeDone:
			return nil
		default:
			return fmt.Errorf("unknown workflow step %q", st.Step)
		}

		if nextErr == errSuspend {
			raw, merr := json.Marshal(st)
			if merr != nil {
				return merr
			}
			return e.db.SaveCheckpoint(st.ThreadID, st.Step, string(raw))
		}
		if nextErr != nil {
			return nextErr
		}
	}
}

func (e *Engine) extractContext(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}
	msg, err := e.mail.GetMessage(ctx, st.UserID, epq.ProviderMessageID)
	if err != nil {
		return err
	}
	body := msg.Body
	if body == "" {
		body = msg.HTML
	}
	st.Body = body
	st.Step = NodeClassify
	return nil
}

func (e *Engine) classifyNode(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}
	folders, err := e.db.ListFolders(epq.UserID)
	if err != nil {
		return err
	}

	ragCtx, err := e.rag.Assemble(ctx, epq)
	if err != nil {
		return err // ContextAssemblyFatal per spec §4.3
	}

	result, err := e.classifier.Classify(ctx, epq, st.Body, folders, ragCtx)
	if err != nil {
		return err
	}

	if result.NeedsResponse && result.ResponseDraft == "" {
		draft, derr := e.responder.Generate(ctx, epq, st.Body, ragCtx)
		if derr != nil {
			// a failed regeneration attempt degrades to sort-only rather
			// than aborting classification (spec §7 "a node catches
			// permanent errors it knows how to downgrade").
			if !taxonomy.IsTransient(derr) {
				result.NeedsResponse = false
			} else {
				return derr
			}
		} else {
			result.ResponseDraft = draft.Draft
			result.DetectedLanguage = draft.DetectedLanguage
			result.Tone = draft.Tone
		}
	}

	if e.metrics != nil {
		e.metrics.EmailsClassified.WithLabelValues(result.ToClassificationResult().Classification).Inc()
	}
	e.emit(events.EventEmailClassified, epq.UserID, st.EmailID, result.SuggestedFolder)

	if err := e.db.SaveClassification(st.EmailID, result.ToClassificationResult()); err != nil {
		return err
	}

	st.Classification = result
	st.Step = NodeDetectPriority
	return nil
}

func (e *Engine) detectPriority(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}

	var prioritySenders []string
	if raw, ok, err := e.db.GetSetting(prioritySendersKey(epq.UserID)); err == nil && ok {
		prioritySenders = splitCSV(raw)
	} else if err != nil {
		return err
	}

	score, isPriority := classify.DetectPriority(epq.Sender, epq.Subject, st.Body, prioritySenders, e.cfg.PriorityThreshold)
	if err := e.db.SetIsPriority(st.EmailID, score, isPriority); err != nil {
		return err
	}
	if e.metrics != nil && isPriority {
		e.metrics.EmailsPrioritized.Inc()
	}
	if isPriority {
		e.emit(events.EventEmailPriorityDetected, epq.UserID, st.EmailID, fmt.Sprintf("score=%d", score))
	}

	st.Step = NodeSendProposal
	return nil
}

func (e *Engine) sendProposal(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}
	if epq.Status == db.StatusAwaitingApproval {
		// already sent on a prior attempt at this node; fall straight
		// through to the interrupt without resending.
		return errSuspend
	}

	chatMessageID, err := e.approval.SendProposal(ctx, st.UserID, epq, st.Body, st.Classification)
	if err != nil {
		return err
	}
	if chatMessageID != "" {
		if err := e.db.SetChatMessageID(st.ThreadID, chatMessageID); err != nil {
			return err
		}
	}
	if err := e.db.SetWorkflowState(st.ThreadID, db.WorkflowStateAwaitingApproval); err != nil {
		return err
	}
	if err := e.db.UpdateEPQStatus(st.EmailID, db.StatusAwaitingApproval); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ProposalsSent.Inc()
	}
	e.emit(events.EventProposalSent, st.UserID, st.EmailID, "")
	return errSuspend
}

func (e *Engine) afterUserDecision(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}

	switch st.UserDecision {
	case DecisionReject:
		if err := e.recordApproval(epq, st.SelectedFolderID, false); err != nil {
			return err
		}
		if err := e.db.UpdateEPQStatus(st.EmailID, db.StatusRejected); err != nil {
			return err
		}
		if err := e.db.SetWorkflowState(st.ThreadID, db.WorkflowStateCompleted); err != nil {
			return err
		}
		e.emit(events.EventActionRejected, st.UserID, st.EmailID, "")
		st.Step = NodeSendConfirmation
		return nil

	case DecisionApprove, DecisionChangeFolder:
		folderID := epq.ProposedFolderID.Int64
		if st.UserDecision == DecisionChangeFolder {
			folderID = st.SelectedFolderID
		}
		st.SelectedFolderID = folderID
		if err := e.recordApproval(epq, folderID, true); err != nil {
			return err
		}
		e.emit(events.EventActionApproved, st.UserID, st.EmailID, "")
		if epq.NeedsResponse() {
			st.Step = NodeSendDraftNotification
		} else {
			st.Step = NodeExecuteAction
		}
		return nil

	default:
		return fmt.Errorf("unknown user decision %q", st.UserDecision)
	}
}

func (e *Engine) recordApproval(epq *db.EPQ, userSelectedFolderID int64, approved bool) error {
	var aiFolder, userFolder sql.NullInt64
	if epq.ProposedFolderID.Valid {
		aiFolder = epq.ProposedFolderID
	}
	if userSelectedFolderID != 0 {
		userFolder = sql.NullInt64{Int64: userSelectedFolderID, Valid: true}
	}
	_, err := e.db.RecordApproval(epq.UserID, epq.ID, db.ActionTypeSort, aiFolder, userFolder, approved)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ApprovalsTotal.WithLabelValues(db.ActionTypeSort, fmt.Sprintf("%t", approved)).Inc()
	}
	return nil
}

func (e *Engine) sendDraftNotification(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}

	draft := ""
	if epq.DraftResponse.Valid {
		draft = epq.DraftResponse.String
	}

	chatMessageID, err := e.approval.SendDraftNotification(ctx, st.UserID, epq, draft, epq.DetectedLanguage, toneOf(epq))
	if err != nil {
		return err
	}
	if chatMessageID != "" {
		if err := e.db.SetChatMessageID(st.ThreadID, chatMessageID); err != nil {
			return err
		}
	}
	if err := e.db.SetWorkflowState(st.ThreadID, db.WorkflowStateAwaitingDraftApproval); err != nil {
		return err
	}
	if err := e.db.UpdateEPQStatus(st.EmailID, db.StatusAwaitingDraftApproval); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.DraftsSent.Inc()
	}
	e.emit(events.EventDraftNotificationSent, st.UserID, st.EmailID, "")
	return errSuspend
}

func (e *Engine) afterDraftDecision(ctx context.Context, st *State) error {
	switch st.DraftDecision {
	case DraftDecisionEdit:
		// the caller already persisted the new text via db.SetDraftResponse
		// before invoking Resume; re-enter the same node to show it again.
		st.Step = NodeSendDraftNotification
		return nil
	case DraftDecisionReject:
		st.Step = NodeExecuteAction
		return nil
	case DraftDecisionSend:
		st.Step = NodeSendEmailResponse
		return nil
	default:
		return fmt.Errorf("unknown draft decision %q", st.DraftDecision)
	}
}

func (e *Engine) sendEmailResponse(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}
	if epq.EmailSentAt.Valid {
		st.Step = NodeExecuteAction
		return nil // idempotent: already sent on a prior attempt (spec I3)
	}

	user, err := e.db.GetUser(st.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("no user %d", st.UserID)
	}

	draft := ""
	if epq.DraftResponse.Valid {
		draft = epq.DraftResponse.String
	}
	_, err = e.mail.SendEmail(ctx, st.UserID, provider.SendRequest{
		To:       []string{epq.Sender},
		Subject:  replySubject(epq.Subject),
		Body:     draft,
		BodyType: provider.BodyPlain,
		ThreadID: epq.ProviderThreadID,
	}, user.Email)
	if err != nil {
		if derr := e.deadLetter(epq, db.OpTypeSendEmail, err); derr != nil {
			return derr
		}
		return nil
	}

	if _, err := e.db.MarkEmailSent(st.EmailID); err != nil {
		return err
	}
	if err := e.db.UpdateEPQStatus(st.EmailID, db.StatusResponseSent); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ResponsesSent.Inc()
	}
	e.emit(events.EventResponseSent, st.UserID, st.EmailID, "")

	st.Step = NodeExecuteAction
	return nil
}

func (e *Engine) executeAction(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}
	if epq.Status == db.StatusCompleted || epq.Status == db.StatusRejected {
		st.Step = NodeSendConfirmation
		return nil // idempotent re-entry (spec §7)
	}

	if st.UserDecision != DecisionReject {
		folder, err := e.db.GetFolder(st.UserID, st.SelectedFolderID)
		if err != nil {
			return err
		}
		if folder == nil {
			return fmt.Errorf("folder %d not found for user %d", st.SelectedFolderID, st.UserID)
		}

		labelID := folder.ExternalLabelID
		if labelID == "" {
			labelID, err = e.mail.CreateLabel(ctx, st.UserID, folder.Name)
			if err != nil {
				if derr := e.deadLetter(epq, db.OpTypeLabelApply, err); derr != nil {
					return derr
				}
				return nil
			}
			if err := e.db.SetFolderExternalLabelID(folder.ID, labelID); err != nil {
				return err
			}
		}

		if _, err := e.mail.ApplyLabel(ctx, st.UserID, epq.ProviderMessageID, labelID); err != nil {
			if derr := e.deadLetter(epq, db.OpTypeLabelApply, err); derr != nil {
				return derr
			}
			return nil
		}
	}

	if err := e.db.UpdateEPQStatus(st.EmailID, db.StatusCompleted); err != nil {
		return err
	}
	if err := e.db.SetWorkflowState(st.ThreadID, db.WorkflowStateCompleted); err != nil {
		return err
	}

	if e.indexer != nil {
		// Best effort: a failed index attempt never blocks the mail from
		// being sorted/responded to, and never flips EPQ.status away from
		// completed. The nightly backfill (indexing.Service.runBackfill)
		// catches anything missed here.
		if ierr := e.indexer.IndexNewMail(ctx, st.UserID, epq.ProviderMessageID); ierr != nil {
			errType := string(taxonomy.KindOf(ierr))
			if errType == "" {
				errType = "unknown"
			}
			_, _ = e.db.InsertDLQ(db.DeadLetterQueue{
				EmailQueueID:      epq.ID,
				OperationType:     db.OpTypeIndexing,
				ProviderMessageID: epq.ProviderMessageID,
				ErrorType:         errType,
				ErrorMessage:      ierr.Error(),
			})
			if e.metrics != nil {
				e.metrics.DLQTotal.WithLabelValues(db.OpTypeIndexing, errType).Inc()
			}
		}
	}

	st.Step = NodeSendConfirmation
	return nil
}

// deadLetter routes an exhausted execute_action failure to the error/DLQ
// path (spec §4.8 "Exhaustion in execute_action") instead of failing the
// whole workflow run.
func (e *Engine) deadLetter(epq *db.EPQ, opType string, cause error) error {
	errType := string(taxonomy.KindOf(cause))
	if errType == "" {
		errType = "unknown"
	}
	dlqReason := fmt.Sprintf("action=%s retry_count=%d error=%v message_id=%s folder=%d",
		opType, epq.RetryCount, cause, epq.ProviderMessageID, epq.ProposedFolderID.Int64)

	if err := e.db.RecordError(epq.ID, errType, cause.Error(), dlqReason, epq.RetryCount+1); err != nil {
		return err
	}

	snapshot, _ := json.Marshal(epq)
	if _, err := e.db.InsertDLQ(db.DeadLetterQueue{
		EmailQueueID:      epq.ID,
		OperationType:     opType,
		ProviderMessageID: epq.ProviderMessageID,
		ErrorType:         errType,
		ErrorMessage:      cause.Error(),
		RetryCount:        epq.RetryCount + 1,
		ContextJSON:       string(snapshot),
	}); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.DLQTotal.WithLabelValues(opType, errType).Inc()
	}
	e.emit(events.EventWorkflowFailed, epq.UserID, epq.ID, cause.Error())
	return nil
}

func (e *Engine) sendConfirmation(ctx context.Context, st *State) error {
	epq, err := e.db.GetEPQ(st.EmailID)
	if err != nil {
		return err
	}
	approved := epq.Status != db.StatusRejected
	if err := e.approval.SendConfirmation(ctx, st.UserID, epq, approved); err != nil {
		return err // non-critical per spec §7, but surfaced for the caller/logger to decide
	}
	st.Step = NodeDone
	return nil
}

func toneOf(epq *db.EPQ) string {
	if epq.Tone.Valid {
		return epq.Tone.String
	}
	return db.ToneProfessional
}

func replySubject(subject string) string {
	if len(subject) >= 3 && (subject[:3] == "Re:" || subject[:3] == "RE:") {
		return subject
	}
	return "Re: " + subject
}

func prioritySendersKey(userID int64) string {
	return fmt.Sprintf("priority_senders:%d", userID)
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
