package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
)

// DiscordChannel adapts discordgo's gateway session into the Channel
// contract. Grounded on original_source/src/channels/discord.rs's event
// model (gateway session, message-create handler, DM-channel detection via
// guild_id presence) translated onto discordgo's session/handler idiom,
// which every discordgo-based example in the retrieval pack (and
// discordgo's own documented usage) follows: construct a *Session,
// register an event handler via AddHandler, call Open/Close.
type DiscordChannel struct {
	BaseChannel
	cfg config.DiscordConfig
	out chan<- bus.IncomingMessage

	session *discordgo.Session
	limiter *RateLimiter
}

// NewDiscordChannel builds a Discord adapter publishing inbound messages
// onto in.
func NewDiscordChannel(cfg config.DiscordConfig, in chan<- bus.IncomingMessage) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel(CapReactions, CapMediaSend, CapMessageEdit, CapMessageDelete),
		cfg:         cfg,
		out:         in,
		limiter:     NewRateLimiter(1, 10, time.Second),
	}
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Connect(ctx context.Context) error {
	if c.session != nil {
		return nil
	}
	if c.cfg.BotToken == "" {
		return fmt.Errorf("discord: bot_token is required")
	}

	sess, err := discordgo.New("Bot " + c.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
			return
		}
		msg := discordToIncoming(m)
		select {
		case c.out <- msg:
		default:
			logger.WarnCF("channels", "discord inbound queue full, dropping message", map[string]interface{}{
				"chat_id": msg.ChannelID,
			})
		}
	})

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway session: %w", err)
	}
	c.session = sess
	logger.InfoCF("channels", "discord connected", nil)
	return nil
}

func discordToIncoming(m *discordgo.MessageCreate) bus.IncomingMessage {
	isDM := m.GuildID == ""

	var replyTo string
	if m.ReferencedMessage != nil {
		replyTo = m.ReferencedMessage.ID
	}

	var attachments []bus.Attachment
	for _, a := range m.Attachments {
		attachments = append(attachments, bus.Attachment{Kind: attachmentKindFromContentType(a.ContentType), URL: a.URL, MimeType: a.ContentType})
	}

	return bus.IncomingMessage{
		ID:          m.ID,
		Channel:     "discord",
		ChannelID:   m.ChannelID,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		Content:     m.Content,
		IsDM:        isDM,
		ReplyTo:     replyTo,
		Attachments: attachments,
	}
}

func attachmentKindFromContentType(ct string) string {
	switch {
	case len(ct) >= 6 && ct[:6] == "image/":
		return "image"
	case len(ct) >= 6 && ct[:6] == "audio/":
		return "audio"
	case len(ct) >= 6 && ct[:6] == "video/":
		return "video"
	default:
		return "file"
	}
}

func (c *DiscordChannel) Disconnect(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	if c.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	c.limiter.Wait(msg.ChannelID, 5*time.Second)

	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChannelID}
	}
	_, err := c.session.ChannelMessageSendComplex(msg.ChannelID, send)
	if err != nil {
		return fmt.Errorf("discord: sending message: %w", err)
	}
	return nil
}

func (c *DiscordChannel) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	if c.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	_, err := c.session.ChannelMessageEdit(chatID, messageID, content)
	return err
}

func (c *DiscordChannel) SendTyping(ctx context.Context, chatID string) error {
	if c.session == nil {
		return nil
	}
	return c.session.ChannelTyping(chatID)
}

func (c *DiscordChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if c.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	return c.session.MessageReactionAdd(chatID, messageID, emoji)
}

func (c *DiscordChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if c.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	return c.session.MessageReactionRemove(chatID, messageID, emoji)
}
