// Package chat implements the approval channel's transport (spec §4.6,
// C5): send/edit/delete messages, inline keyboards, and callback receipt.
// bborn/workflow has no chat gateway package; grounded on the
// ChatGatewayDriver interface shape (Kind/Start/Send/Stop/HealthCheck, from
// a reference contracts.go) adapted to a concrete Telegram-backed
// implementation, since that interface's "Kind() -> telegram" is the
// clearest chat-platform precedent available.
package chat

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	taxonomy "github.com/bborn/mailassist/internal/errors"
)

// MaxMessageBytes and MaxCallbackDataBytes mirror the wire protocol limits
// in spec §6.
const (
	MaxMessageBytes      = 4096
	MaxCallbackDataBytes = 64
)

// Button is one inline-keyboard button; CallbackData must encode enough to
// resolve back to a thread_id (spec §4.6).
type Button struct {
	Text         string
	CallbackData string
}

// Update is a normalized inbound event: either a callback_query tap or a
// free-text message (used by the draft edit flow).
type Update struct {
	ChatID       string
	MessageID    int
	CallbackData string
	Text         string
	IsCallback   bool
}

// Client wraps the Telegram Bot API client.
type Client struct {
	bot *tgbotapi.BotAPI
}

// New constructs a Client from a bot token.
func New(token string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}
	return &Client{bot: bot}, nil
}

// Send delivers a plain text message, returning the provider message id so
// callers can correlate future edits/callbacks (spec §4.6's WorkflowMapping
// chat_message_id).
func (c *Client) Send(ctx context.Context, chatChannelID, text string) (string, error) {
	chatID, err := parseChatID(chatChannelID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

// SendWithButtons delivers a message with an inline keyboard, one button
// per row (spec §4.6 proposal/draft prompts).
func (c *Client) SendWithButtons(ctx context.Context, chatChannelID, text string, buttons []Button) (string, error) {
	chatID, err := parseChatID(chatChannelID)
	if err != nil {
		return "", err
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(b.Text, truncateCallback(b.CallbackData)),
		))
	}

	msg := tgbotapi.NewMessage(chatID, truncate(text))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)

	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%d", sent.MessageID), nil
}

// EditText updates a previously sent message's text, dropping its keyboard
// once a decision has been made.
func (c *Client) EditText(ctx context.Context, chatChannelID, messageID, text string) error {
	chatID, err := parseChatID(chatChannelID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	edit := tgbotapi.NewEditMessageText(chatID, msgID, truncate(text))
	_, err = c.bot.Send(edit)
	if err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes a message (used when a draft is superseded).
func (c *Client) Delete(ctx context.Context, chatChannelID, messageID string) error {
	chatID, err := parseChatID(chatChannelID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	_, err = c.bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID))
	if err != nil {
		return classify(err)
	}
	return nil
}

// Updates returns a channel of normalized inbound updates (callback taps
// and free-text replies) via long polling.
func (c *Client) Updates(ctx context.Context) <-chan Update {
	out := make(chan Update, 100)
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := c.bot.GetUpdatesChan(cfg)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-updates:
				if !ok {
					return
				}
				if u, ok := normalize(raw); ok {
					select {
					case out <- u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func normalize(raw tgbotapi.Update) (Update, bool) {
	if raw.CallbackQuery != nil {
		u := Update{
			ChatID:       fmt.Sprintf("%d", raw.CallbackQuery.Message.Chat.ID),
			CallbackData: raw.CallbackQuery.Data,
			IsCallback:   true,
		}
		if raw.CallbackQuery.Message != nil {
			u.MessageID = raw.CallbackQuery.Message.MessageID
		}
		return u, true
	}
	if raw.Message != nil {
		return Update{
			ChatID:    fmt.Sprintf("%d", raw.Message.Chat.ID),
			MessageID: raw.Message.MessageID,
			Text:      raw.Message.Text,
		}, true
	}
	return Update{}, false
}

func truncate(text string) string {
	if len(text) <= MaxMessageBytes {
		return text
	}
	return text[:MaxMessageBytes-len("\n[truncated]")] + "\n[truncated]"
}

func truncateCallback(data string) string {
	if len(data) <= MaxCallbackDataBytes {
		return data
	}
	return data[:MaxCallbackDataBytes]
}

func parseChatID(chatChannelID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(chatChannelID, "%d", &id); err != nil {
		return 0, taxonomy.New(taxonomy.ValidationError, "parse_chat_id", err)
	}
	return id, nil
}

func parseMessageID(messageID string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(messageID, "%d", &id); err != nil {
		return 0, taxonomy.New(taxonomy.ValidationError, "parse_message_id", err)
	}
	return id, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*tgbotapi.Error)
	if !ok {
		return taxonomy.New(taxonomy.NetworkError, "chat_send", err)
	}
	switch apiErr.Code {
	case 403:
		return taxonomy.New(taxonomy.ChatBlocked, "chat_send", err)
	case 429:
		return taxonomy.New(taxonomy.RateLimited, "chat_send", err)
	case 500, 502, 503:
		return taxonomy.New(taxonomy.ServerError, "chat_send", err)
	default:
		return taxonomy.New(taxonomy.NetworkError, "chat_send", err)
	}
}
