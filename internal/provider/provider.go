// Package provider is the single typed abstraction over the mail provider
// (spec §4.7, C1). Grounded on
// extensions/ty-email/internal/adapter/gmail.go: same OAuth2-via-
// golang.org/x/oauth2/google flow, same raw-MIME send idiom, same
// base64-url body extraction recursing over MIME parts — generalized from
// a single fixed account (package-level *gmail.Service) to a per-user
// client cache keyed by user id, since this service is multi-tenant
// (spec §9 "Global state").
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bborn/mailassist/internal/db"
	taxonomy "github.com/bborn/mailassist/internal/errors"
	"github.com/bborn/mailassist/internal/retry"
)

// Message is a provider-agnostic representation of one mail message.
type Message struct {
	ID         string
	ThreadID   string
	RFC822ID   string
	From       string
	To         []string
	Subject    string
	Body       string
	HTML       string
	ReceivedAt time.Time
	LabelIDs   []string
}

// BodyType selects the MIME alternative for SendEmail.
type BodyType string

const (
	BodyPlain BodyType = "plain"
	BodyHTML  BodyType = "html"
)

// SendRequest is the composed outbound message for SendEmail.
type SendRequest struct {
	To         []string
	Subject    string
	Body       string
	BodyType   BodyType
	InReplyTo  string
	References []string
	ThreadID   string
}

// TokenCrypter encrypts/decrypts OAuth2 tokens at rest, so the provider
// package never sees plaintext tokens it didn't just produce itself.
type TokenCrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Client is a multi-tenant Gmail client: one cached *gmail.Service and
// oauth2.TokenSource per user, guarded by a mutex per spec §5 "Provider
// client: one instance per (user, worker); the cached credential is per
// instance."
type Client struct {
	oauthConfig *oauth2.Config
	db          *db.DB
	crypt       TokenCrypter

	mu    sync.Mutex
	cache map[int64]*userConn
}

type userConn struct {
	mu      sync.Mutex
	service *gmail.Service
	ts      oauth2.TokenSource
}

// New constructs a Client from the application's OAuth2 client credentials
// (client_id/secret from the cloud console, scoped to gmail.readonly,
// gmail.send, gmail.modify as in gmail.go's Authenticate).
func New(clientID, clientSecret string, database *db.DB, crypt TokenCrypter) *Client {
	return &Client{
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope, gmail.GmailSendScope, gmail.GmailModifyScope},
		},
		db:    database,
		crypt: crypt,
		cache: make(map[int64]*userConn),
	}
}

func (c *Client) connFor(userID int64) *userConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uc, ok := c.cache[userID]; ok {
		return uc
	}
	uc := &userConn{}
	c.cache[userID] = uc
	return uc
}

// serviceFor returns (building and caching if needed) the Gmail service for
// a user, decrypting the access token from the User record on demand (spec
// §4.7 "Authentication").
func (c *Client) serviceFor(ctx context.Context, userID int64) (*gmail.Service, *userConn, error) {
	uc := c.connFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if uc.service != nil {
		return uc.service, uc, nil
	}

	u, err := c.db.GetUser(userID)
	if err != nil {
		return nil, nil, taxonomy.New(taxonomy.ServerError, "load_user", err)
	}
	if u == nil {
		return nil, nil, taxonomy.New(taxonomy.NotFound, "load_user", fmt.Errorf("user %d not found", userID))
	}

	accessToken, err := c.crypt.Decrypt(u.AccessTokenEnc)
	if err != nil {
		return nil, nil, taxonomy.New(taxonomy.AuthExpired, "decrypt_token", err)
	}
	refreshToken, err := c.crypt.Decrypt(u.RefreshTokenEnc)
	if err != nil {
		return nil, nil, taxonomy.New(taxonomy.AuthExpired, "decrypt_token", err)
	}

	tok := &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken}
	ts := c.oauthConfig.TokenSource(ctx, tok)
	httpClient := oauth2.NewClient(ctx, ts)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, nil, taxonomy.New(taxonomy.ServerError, "build_service", err)
	}

	uc.service = svc
	uc.ts = ts
	return svc, uc, nil
}

// refreshAndRetryOnce clears the cached service for a user, forces a token
// refresh, persists the new tokens, and lets the caller retry the failing
// call exactly once (spec §4.7 "on a 401 ... retried once").
func (c *Client) refreshAndRetryOnce(ctx context.Context, userID int64) (*gmail.Service, error) {
	uc := c.connFor(userID)
	uc.mu.Lock()
	ts := uc.ts
	uc.service = nil
	uc.mu.Unlock()

	if ts == nil {
		svc, _, err := c.serviceFor(ctx, userID)
		return svc, err
	}

	tok, err := ts.Token()
	if err != nil {
		return nil, taxonomy.New(taxonomy.AuthExpired, "refresh_token", err)
	}

	accessEnc, err := c.crypt.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, taxonomy.New(taxonomy.AuthExpired, "encrypt_token", err)
	}
	refreshEnc, err := c.crypt.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, taxonomy.New(taxonomy.AuthExpired, "encrypt_token", err)
	}
	if err := c.db.UpdateUserTokens(userID, accessEnc, refreshEnc); err != nil {
		return nil, taxonomy.New(taxonomy.ServerError, "persist_token", err)
	}

	svc, _, err := c.serviceFor(ctx, userID)
	return svc, err
}

// classify maps an HTTP/API error to the error taxonomy per spec §4.7's
// retry table.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if ge, ok := err.(*googleapi.Error); ok {
		gerr = ge
	}
	if gerr == nil {
		return taxonomy.New(taxonomy.NetworkError, op, err)
	}

	switch gerr.Code {
	case http.StatusUnauthorized:
		return taxonomy.New(taxonomy.AuthExpired, op, err)
	case http.StatusTooManyRequests:
		te := taxonomy.New(taxonomy.QuotaExceeded, op, err)
		if ra := retryAfterFromHeader(gerr); ra > 0 {
			te = te.WithRetryAfter(ra)
		}
		return te
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return taxonomy.New(taxonomy.ServerError, op, err)
	case http.StatusBadRequest:
		return taxonomy.New(taxonomy.RecipientInvalid, op, err)
	case http.StatusRequestEntityTooLarge:
		return taxonomy.New(taxonomy.MessageTooLarge, op, err)
	case http.StatusNotFound:
		return taxonomy.New(taxonomy.NotFound, op, err)
	default:
		return taxonomy.New(taxonomy.InvalidRequest, op, err)
	}
}

func retryAfterFromHeader(gerr *googleapi.Error) int {
	for _, h := range gerr.Header["Retry-After"] {
		if n, err := strconv.Atoi(h); err == nil {
			return n
		}
	}
	return 0
}

// withAuthRetry executes fn, and on an AuthExpired classification refreshes
// the token once and retries fn exactly once more.
func (c *Client) withAuthRetry(ctx context.Context, userID int64, op string, fn func(svc *gmail.Service) error) error {
	svc, _, err := c.serviceFor(ctx, userID)
	if err != nil {
		return err
	}
	callErr := fn(svc)
	if callErr == nil {
		return nil
	}
	classified := classify(op, callErr)
	if taxonomy.KindOf(classified) != taxonomy.AuthExpired {
		return classified
	}

	svc, err = c.refreshAndRetryOnce(ctx, userID)
	if err != nil {
		return err
	}
	if err := fn(svc); err != nil {
		return classify(op, err)
	}
	return nil
}

// withRetry wraps withAuthRetry in the provider-level exponential backoff
// for 429/5xx (spec §4.7's retry table, §4.8 "provider-client level").
func (c *Client) withRetry(ctx context.Context, userID int64, op string, fn func(svc *gmail.Service) error) error {
	return retry.Do(ctx, retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}, func(attempt int) error {
		return c.withAuthRetry(ctx, userID, op, fn)
	})
}

// ListMessages lists message ids/threadIds matching query, capped at max.
func (c *Client) ListMessages(ctx context.Context, userID int64, query string, max int64) ([]string, error) {
	var ids []string
	err := c.withRetry(ctx, userID, "list_messages", func(svc *gmail.Service) error {
		resp, err := svc.Users.Messages.List("me").Q(query).MaxResults(max).Context(ctx).Do()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	return ids, err
}

// ListAllMessages pages through every message matching query, 100 per
// page (spec §4.5's backfill fetch), until the provider reports no further
// pages.
func (c *Client) ListAllMessages(ctx context.Context, userID int64, query string) ([]string, error) {
	var ids []string
	pageToken := ""
	err := c.withRetry(ctx, userID, "list_all_messages", func(svc *gmail.Service) error {
		ids = ids[:0]
		pageToken = ""
		for {
			call := svc.Users.Messages.List("me").Q(query).MaxResults(100).Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				return err
			}
			for _, m := range resp.Messages {
				ids = append(ids, m.Id)
			}
			if resp.NextPageToken == "" {
				return nil
			}
			pageToken = resp.NextPageToken
		}
	})
	return ids, err
}

// GetMessage fetches and parses a single message.
func (c *Client) GetMessage(ctx context.Context, userID int64, id string) (*Message, error) {
	var msg *Message
	err := c.withRetry(ctx, userID, "get_message", func(svc *gmail.Service) error {
		raw, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msg = parseMessage(raw)
		return nil
	})
	return msg, err
}

// GetThread fetches every message in a thread, chronologically ordered
// (spec §4.7 "GetThread(id) -> [Message chronological]").
func (c *Client) GetThread(ctx context.Context, userID int64, threadID string) ([]*Message, error) {
	var msgs []*Message
	err := c.withRetry(ctx, userID, "get_thread", func(svc *gmail.Service) error {
		raw, err := svc.Users.Threads.Get("me", threadID).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msgs = msgs[:0]
		for _, m := range raw.Messages {
			msgs = append(msgs, parseMessage(m))
		}
		return nil
	})
	if err != nil {
		return nil, taxonomy.New(taxonomy.ContextAssemblyFatal, "get_thread", err)
	}
	return msgs, nil
}

// ListLabels returns every label id->name mapping for the user's mailbox.
func (c *Client) ListLabels(ctx context.Context, userID int64) (map[string]string, error) {
	out := map[string]string{}
	err := c.withRetry(ctx, userID, "list_labels", func(svc *gmail.Service) error {
		resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, l := range resp.Labels {
			out[l.Id] = l.Name
		}
		return nil
	})
	return out, err
}

// CreateLabel creates a label, idempotently: a 409 conflict is resolved by
// looking the label up by name (spec §4.7 "idempotent: 409 ⇒ find existing
// by name").
func (c *Client) CreateLabel(ctx context.Context, userID int64, name string) (string, error) {
	var labelID string
	err := c.withRetry(ctx, userID, "create_label", func(svc *gmail.Service) error {
		created, err := svc.Users.Labels.Create("me", &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		if err == nil {
			labelID = created.Id
			return nil
		}
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == http.StatusConflict {
			labels, lerr := svc.Users.Labels.List("me").Context(ctx).Do()
			if lerr != nil {
				return lerr
			}
			for _, l := range labels.Labels {
				if l.Name == name {
					labelID = l.Id
					return nil
				}
			}
			return fmt.Errorf("label %q conflicted but could not be found", name)
		}
		return err
	})
	return labelID, err
}

// ApplyLabel attaches a label to a message.
func (c *Client) ApplyLabel(ctx context.Context, userID int64, msgID, labelID string) (bool, error) {
	err := c.withRetry(ctx, userID, "apply_label", func(svc *gmail.Service) error {
		_, err := svc.Users.Messages.Modify("me", msgID, &gmail.ModifyMessageRequest{
			AddLabelIds: []string{labelID},
		}).Context(ctx).Do()
		return err
	})
	return err == nil, err
}

// RemoveLabel detaches a label from a message.
func (c *Client) RemoveLabel(ctx context.Context, userID int64, msgID, labelID string) (bool, error) {
	err := c.withRetry(ctx, userID, "remove_label", func(svc *gmail.Service) error {
		_, err := svc.Users.Messages.Modify("me", msgID, &gmail.ModifyMessageRequest{
			RemoveLabelIds: []string{labelID},
		}).Context(ctx).Do()
		return err
	})
	return err == nil, err
}

// SendEmail composes an RFC-2822 MIME message and sends it, resolving
// threading headers from the thread's existing Message-IDs when ThreadID is
// set and no explicit headers were supplied (spec §4.7 "Threading").
func (c *Client) SendEmail(ctx context.Context, userID int64, req SendRequest, fromAddr string) (string, error) {
	if req.ThreadID != "" && req.InReplyTo == "" {
		msgs, err := c.GetThread(ctx, userID, req.ThreadID)
		if err == nil && len(msgs) > 0 {
			latest := msgs[len(msgs)-1]
			req.InReplyTo = latest.RFC822ID
			var refs []string
			for _, m := range msgs {
				if m.RFC822ID != "" {
					refs = append(refs, m.RFC822ID)
				}
			}
			req.References = refs
		}
	}

	raw, err := composeMIME(req, fromAddr)
	if err != nil {
		return "", taxonomy.New(taxonomy.ValidationError, "compose_email", err)
	}

	var sentID string
	err = c.withRetry(ctx, userID, "send_email", func(svc *gmail.Service) error {
		gm := &gmail.Message{Raw: raw}
		if req.ThreadID != "" {
			gm.ThreadId = req.ThreadID
		}
		sent, err := svc.Users.Messages.Send("me", gm).Context(ctx).Do()
		if err != nil {
			return err
		}
		sentID = sent.Id
		return nil
	})
	return sentID, err
}

func composeMIME(req SendRequest, fromAddr string) (string, error) {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", fromAddr))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(req.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", req.Subject)))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	if req.InReplyTo != "" {
		b.WriteString(fmt.Sprintf("In-Reply-To: %s\r\n", req.InReplyTo))
	}
	if len(req.References) > 0 {
		b.WriteString(fmt.Sprintf("References: %s\r\n", strings.Join(req.References, " ")))
	}
	b.WriteString("MIME-Version: 1.0\r\n")

	switch req.BodyType {
	case BodyHTML:
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	default:
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	}
	b.WriteString(req.Body)

	if _, err := mail.ParseAddressList(strings.Join(req.To, ", ")); err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}

	return base64.URLEncoding.EncodeToString([]byte(b.String())), nil
}

func parseMessage(raw *gmail.Message) *Message {
	m := &Message{
		ID:         raw.Id,
		ThreadID:   raw.ThreadId,
		ReceivedAt: time.UnixMilli(raw.InternalDate),
		LabelIDs:   raw.LabelIds,
	}
	if raw.Payload == nil {
		return m
	}
	for _, h := range raw.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			m.From = h.Value
		case "to":
			m.To = strings.Split(h.Value, ",")
		case "subject":
			m.Subject = h.Value
		case "message-id":
			m.RFC822ID = h.Value
		}
	}
	m.Body = extractBody(raw.Payload, "text/plain")
	if m.Body == "" {
		m.HTML = extractBody(raw.Payload, "text/html")
	}
	return m
}

func extractBody(part *gmail.MessagePart, mimeType string) string {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, p := range part.Parts {
		if body := extractBody(p, mimeType); body != "" {
			return body
		}
	}
	return ""
}
