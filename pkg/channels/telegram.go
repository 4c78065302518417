package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
)

// TelegramChannel adapts a long-polling telego.Bot into the Channel
// contract. Grounded on original_source/src/channels/telegram/polling.rs's
// getUpdates loop (deleteWebhook before polling, offset tracking, message
// conversion) translated onto telego's typed long-polling API, and on the
// teacher's own telego call conventions in pkg/tools/telegram.go
// (tu.ID(chatID), *telego.XParams structs).
type TelegramChannel struct {
	BaseChannel
	cfg config.TelegramConfig
	out chan<- bus.IncomingMessage

	mu        sync.Mutex
	bot       *telego.Bot
	connected bool
	cancel    context.CancelFunc

	limiter *RateLimiter
}

// NewTelegramChannel builds a Telegram adapter publishing inbound messages
// onto in and reading outbound via Send.
func NewTelegramChannel(cfg config.TelegramConfig, in chan<- bus.IncomingMessage) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(CapReactions, CapInlineKeyboards, CapMediaSend, CapMessageEdit, CapMessageDelete, CapForumTopics, CapStickers),
		cfg:         cfg,
		out:         in,
		limiter:     NewRateLimiter(1, 20, time.Second),
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

// Bot exposes the underlying telego client so built-in tools (e.g.
// manage_telegram) can perform operations outside the Channel contract.
func (c *TelegramChannel) Bot() *telego.Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot
}

func (c *TelegramChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.cfg.BotToken == "" {
		return fmt.Errorf("telegram: bot_token is required")
	}

	bot, err := telego.NewBot(c.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram: creating bot: %w", err)
	}
	c.bot = bot

	if err := bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		return fmt.Errorf("telegram: deleting webhook before polling: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: starting long polling: %w", err)
	}

	go c.consume(pollCtx, updates)
	c.connected = true
	logger.InfoCF("channels", "telegram connected", nil)
	return nil
}

func (c *TelegramChannel) consume(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil {
				continue
			}
			msg := telegramToIncoming(upd.Message)
			select {
			case c.out <- msg:
			default:
				logger.WarnCF("channels", "telegram inbound queue full, dropping message", map[string]interface{}{
					"chat_id": msg.ChannelID,
				})
			}
		}
	}
}

func telegramToIncoming(m *telego.Message) bus.IncomingMessage {
	content := m.Text
	if content == "" {
		content = m.Caption
	}

	senderID, senderName := "", ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}

	isDM := m.Chat.Type == "private"

	var threadID string
	if m.MessageThreadID != 0 {
		threadID = strconv.Itoa(m.MessageThreadID)
	}

	var replyTo string
	if m.ReplyToMessage != nil {
		replyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	var attachments []bus.Attachment
	switch {
	case len(m.Photo) > 0:
		attachments = append(attachments, bus.Attachment{Kind: "image", MimeType: "image/jpeg"})
	case m.Document != nil:
		mime := m.Document.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		attachments = append(attachments, bus.Attachment{Kind: "file", MimeType: mime})
	case m.Voice != nil:
		attachments = append(attachments, bus.Attachment{Kind: "audio", MimeType: m.Voice.MimeType})
	case m.Audio != nil:
		attachments = append(attachments, bus.Attachment{Kind: "audio", MimeType: m.Audio.MimeType})
	case m.Video != nil:
		attachments = append(attachments, bus.Attachment{Kind: "video", MimeType: m.Video.MimeType})
	}

	return bus.IncomingMessage{
		ID:          strconv.Itoa(m.MessageID),
		Channel:     "telegram",
		ChannelID:   strconv.FormatInt(m.Chat.ID, 10),
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     content,
		IsDM:        isDM,
		ReplyTo:     replyTo,
		ThreadID:    threadID,
		Attachments: attachments,
		Metadata:    map[string]string{"thread_id": threadID},
	}
}

func (c *TelegramChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.bot != nil {
		c.bot.StopLongPolling()
	}
	c.connected = false
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	bot := c.Bot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChannelID, err)
	}

	c.limiter.Wait(msg.ChannelID, 5*time.Second)

	params := tu.Message(tu.ID(chatID), msg.Content)
	if msg.ThreadID != "" {
		if tid, err := strconv.Atoi(msg.ThreadID); err == nil {
			params.MessageThreadID = tid
		}
	}
	if msg.ReplyTo != "" {
		if rid, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: rid}
		}
	}
	if kb := telegramKeyboard(msg.Keyboard); kb != nil {
		params.ReplyMarkup = kb
	}

	_, err = bot.SendMessage(ctx, params)
	if err != nil {
		return fmt.Errorf("telegram: sending message: %w", err)
	}
	return nil
}

func telegramKeyboard(kb *bus.Keyboard) *telego.InlineKeyboardMarkup {
	if kb == nil || len(kb.Rows) == 0 {
		return nil
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			b := telego.InlineKeyboardButton{Text: btn.Label}
			switch {
			case btn.URL != "":
				b.URL = btn.URL
			default:
				b.CallbackData = btn.Data
			}
			buttons = append(buttons, b)
		}
		rows = append(rows, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (c *TelegramChannel) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	bot := c.Bot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	_, err = bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(cid),
		MessageID: mid,
		Text:      content,
	})
	if err != nil {
		return fmt.Errorf("telegram: editing message: %w", err)
	}
	return nil
}

func (c *TelegramChannel) SendTyping(ctx context.Context, chatID string) error {
	bot := c.Bot()
	if bot == nil {
		return nil
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil
	}
	return bot.SendChatAction(ctx, &telego.SendChatActionParams{ChatID: tu.ID(cid), Action: "typing"})
}

func (c *TelegramChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	bot := c.Bot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return err
	}
	return bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(cid),
		MessageID: mid,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji}},
	})
}

func (c *TelegramChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	bot := c.Bot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	mid, err := strconv.Atoi(messageID)
	if err != nil {
		return err
	}
	return bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(cid),
		MessageID: mid,
		Reaction:  []telego.ReactionType{},
	})
}
