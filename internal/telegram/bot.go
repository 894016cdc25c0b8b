// Package telegram wraps the Bot API (long polling, forum topics,
// inline keyboards) with the Markdown-with-plain-text-fallback send
// path the rest of the controller depends on. The single-instance
// file lock lives in package lock.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/telegram-agentctl/controller/internal/format"
)

// Button is one inline keyboard button.
type Button struct {
	Text         string
	CallbackData string
}

// Message is an incoming chat message, normalized across plain chats
// and forum topics.
type Message struct {
	ChatID   int64
	Text     string
	Username string
	IsForum  bool
	TopicID  *int64 // non-nil when the message arrived in a forum topic thread
}

// Callback is an incoming inline-keyboard button press.
type Callback struct {
	ID              string
	Data            string
	FromUsername    string
	ChatID          int64
	MessageID       int64
	IsForum         bool
	IsTopicMessage  bool
	MessageThreadID *int64
}

// Handlers receives normalized updates. Both callbacks run inline on
// Start's polling loop, one update at a time.
type Handlers struct {
	OnMessage  func(ctx context.Context, msg Message)
	OnCallback func(ctx context.Context, cb Callback)
}

// Client wraps a long-polling Telegram bot.
type Client struct {
	bot            *bot.Bot
	token          string
	allowedUserIDs map[int64]bool
	handlers       Handlers
	offsetPath     string // empty disables offset persistence across restarts

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New constructs a Client. allowedIDs, if non-empty, restricts which
// user or chat ids the bot will act on. offsetPath, if non-empty, is
// where the getUpdates offset is persisted so a restart resumes after
// the last fully-processed update instead of replaying it.
func New(token string, allowedIDs []int64, handlers Handlers, offsetPath string) (*Client, error) {
	allowed := make(map[int64]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	tgBot, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	return &Client{
		bot:            tgBot,
		token:          token,
		allowedUserIDs: allowed,
		handlers:       handlers,
		offsetPath:     offsetPath,
	}, nil
}

type offsetState struct {
	Offset    int       `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

// loadOffset reads the last-persisted offset, tolerating a missing or
// corrupt file by starting fresh from 0 (receive everything pending).
func (c *Client) loadOffset() int {
	if c.offsetPath == "" {
		return 0
	}
	data, err := os.ReadFile(c.offsetPath)
	if err != nil {
		return 0
	}
	var s offsetState
	if err := json.Unmarshal(data, &s); err != nil {
		return 0
	}
	return s.Offset
}

// saveOffset rewrites the offset file whole, matching the rest of the
// controller's full-rewrite persistence idiom.
func (c *Client) saveOffset(offset int) {
	if c.offsetPath == "" {
		return
	}
	data, err := json.MarshalIndent(offsetState{Offset: offset, UpdatedAt: time.Now()}, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(c.offsetPath, data, 0o644)
}

// Start runs the long-polling loop until ctx is canceled. The caller
// is responsible for the daemon-wide single-instance lock (internal/lock)
// before calling Start, since that lock also guards the rest of the
// controller's state directory, not just this client.
//
// Polling is driven by an explicit getUpdates(offset, limit, timeout)
// loop rather than the library's own Start dispatcher, so the offset
// can be persisted after each fully-processed batch: a crash mid-batch
// replays that batch on restart, but a clean batch never replays.
func (c *Client) Start(ctx context.Context) error {
	c.cancelMu.Lock()
	ctx, c.cancel = context.WithCancel(ctx)
	c.cancelMu.Unlock()

	if _, err := c.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{
		Commands: []models.BotCommand{
			{Command: "open", Description: "Open a project directory"},
			{Command: "list", Description: "List running instances"},
			{Command: "switch", Description: "Switch instance"},
			{Command: "current", Description: "Show current instance"},
			{Command: "close", Description: "Stop current instance"},
			{Command: "status", Description: "Instance status overview"},
			{Command: "help", Description: "Show help"},
		},
	}); err != nil {
		log.Printf("telegram: failed to set bot commands: %v", err)
	}

	offset := c.loadOffset()
	log.Printf("telegram: starting long-polling loop at offset %d", offset)

	for {
		select {
		case <-ctx.Done():
			log.Println("telegram: long-polling loop stopped")
			return nil
		default:
		}

		updates, err := c.bot.GetUpdates(ctx, &bot.GetUpdatesParams{
			Offset:  offset,
			Limit:   100,
			Timeout: 30,
		})
		if err != nil {
			if ctx.Err() != nil {
				log.Println("telegram: long-polling loop stopped")
				return nil
			}
			if strings.Contains(strings.ToLower(err.Error()), "conflict") {
				return fmt.Errorf("conflicting getUpdates poller, another process is already polling this token: %w", err)
			}
			log.Printf("telegram: getUpdates failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, update := range updates {
			c.handleUpdate(ctx, update)
			if update.ID >= offset {
				offset = update.ID + 1
			}
		}
		if len(updates) > 0 {
			c.saveOffset(offset)
		}
	}
}

// GetMe returns the bot's own username, used only for the startup banner.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return "", err
	}
	return me.Username, nil
}

// SetHandlers replaces the client's message/callback handlers. Meant
// to be called once during wiring, before Start, since callers that
// need a *Client to build their handlers (e.g. the controller) can't
// supply them to New.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

func (c *Client) isAllowed(userID, chatID int64) bool {
	return len(c.allowedUserIDs) == 0 || c.allowedUserIDs[userID] || c.allowedUserIDs[chatID]
}

func (c *Client) handleUpdate(ctx context.Context, update models.Update) {
	if update.CallbackQuery != nil {
		c.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message != nil {
		c.handleMessage(ctx, update.Message)
	}
}

func (c *Client) handleMessage(ctx context.Context, m *models.Message) {
	if m.From == nil || !c.isAllowed(m.From.ID, m.Chat.ID) {
		return
	}
	if c.handlers.OnMessage == nil {
		return
	}

	msg := Message{
		ChatID:   m.Chat.ID,
		Text:     m.Text,
		Username: m.From.Username,
		IsForum:  m.Chat.IsForum,
	}
	if m.IsTopicMessage && m.MessageThreadID != 0 {
		topicID := int64(m.MessageThreadID)
		msg.TopicID = &topicID
	}
	c.handlers.OnMessage(ctx, msg)
}

func (c *Client) handleCallback(ctx context.Context, cb *models.CallbackQuery) {
	if !c.isAllowed(cb.From.ID, chatIDOf(cb)) {
		return
	}
	if c.handlers.OnCallback == nil {
		return
	}

	callback := Callback{
		ID:           cb.ID,
		Data:         cb.Data,
		FromUsername: cb.From.Username,
	}
	if cb.Message.Message != nil {
		m := cb.Message.Message
		callback.ChatID = m.Chat.ID
		callback.MessageID = int64(m.ID)
		callback.IsForum = m.Chat.IsForum
		callback.IsTopicMessage = m.IsTopicMessage
		if m.IsTopicMessage && m.MessageThreadID != 0 {
			topicID := int64(m.MessageThreadID)
			callback.MessageThreadID = &topicID
		}
	}
	c.handlers.OnCallback(ctx, callback)
}

func chatIDOf(cb *models.CallbackQuery) int64 {
	if cb.Message.Message != nil {
		return cb.Message.Message.Chat.ID
	}
	return 0
}

const (
	maxMessageLength = 4000
	truncationMarker = "\n\n... (truncated)"
)

// Truncate shortens text to Telegram's practical message-length budget,
// appending a marker so the cut isn't mistaken for the end of the reply.
func Truncate(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	return text[:maxMessageLength-len(truncationMarker)] + truncationMarker
}

// send posts text with Markdown parse mode, retrying once as plain
// text if Telegram rejects the markup (HTTP 400, unbalanced entities).
func (c *Client) send(ctx context.Context, params *bot.SendMessageParams) error {
	params.Text = Truncate(params.Text)
	params.ParseMode = models.ParseModeMarkdown
	_, err := c.bot.SendMessage(ctx, params)
	if err == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "can't parse entities") &&
		!strings.Contains(err.Error(), "400") {
		return err
	}

	retryParams := *params
	retryParams.ParseMode = ""
	retryParams.Text = format.StripMarkdown(params.Text)
	_, err = c.bot.SendMessage(ctx, &retryParams)
	return err
}

func keyboardMarkup(buttons [][]Button) *models.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]models.InlineKeyboardButton, len(buttons))
	for i, row := range buttons {
		btnRow := make([]models.InlineKeyboardButton, len(row))
		for j, b := range row {
			btnRow[j] = models.InlineKeyboardButton{Text: b.Text, CallbackData: b.CallbackData}
		}
		rows[i] = btnRow
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// SendMessage sends plain text to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.send(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
}

// SendMessageToTopic sends plain text to a forum topic thread.
func (c *Client) SendMessageToTopic(ctx context.Context, chatID, topicID int64, text string) error {
	return c.send(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text, MessageThreadID: int(topicID)})
}

// SendMessageWithKeyboard sends text with an inline keyboard to a chat.
func (c *Client) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, keyboard [][]Button) error {
	return c.send(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: keyboardMarkup(keyboard)})
}

// SendMessageWithKeyboardToTopic sends text with an inline keyboard to a forum topic thread.
func (c *Client) SendMessageWithKeyboardToTopic(ctx context.Context, chatID, topicID int64, text string, keyboard [][]Button) error {
	return c.send(ctx, &bot.SendMessageParams{
		ChatID:          chatID,
		Text:            text,
		MessageThreadID: int(topicID),
		ReplyMarkup:     keyboardMarkup(keyboard),
	})
}

// SetTyping sends a typing chat action to a chat.
func (c *Client) SetTyping(ctx context.Context, chatID int64) error {
	_, err := c.bot.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: chatID, Action: models.ChatActionTyping})
	return err
}

// SetTypingInTopic sends a typing chat action to a forum topic thread.
func (c *Client) SetTypingInTopic(ctx context.Context, chatID, topicID int64) error {
	_, err := c.bot.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID:          chatID,
		Action:          models.ChatActionTyping,
		MessageThreadID: int(topicID),
	})
	return err
}

// AnswerCallbackQuery acknowledges a button press, optionally showing a
// transient toast (showAlert) instead of just clearing the loading state.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	_, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	})
	return err
}

// EditMessageText replaces a previously sent message's text in place.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	_, err := c.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: int(messageID),
		Text:      text,
		ParseMode: models.ParseModeMarkdown,
	})
	return err
}

// RenameTopic renames a forum topic thread, e.g. after binding it to a
// newly opened project.
func (c *Client) RenameTopic(ctx context.Context, chatID, topicID int64, name string) error {
	_, err := c.bot.EditForumTopic(ctx, &bot.EditForumTopicParams{
		ChatID:          chatID,
		MessageThreadID: int(topicID),
		Name:            name,
	})
	return err
}
