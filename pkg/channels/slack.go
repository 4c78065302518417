package channels

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
)

// SlackChannel adapts Slack's Events API into the Channel contract. Unlike
// Telegram/Discord's persistent connections, Slack ingestion here is
// webhook-driven (config.SlackConfig.WebhookPath) per spec.md §4.8's
// "webhook vs long-poll ingress both producing the same normalized queue" —
// Connect validates credentials and constructs the API client; the gateway
// supervisor (C12) mounts Webhook() on the admin HTTP server at
// WebhookPath. Grounded on original_source/src/channels/slack.rs's event
// dispatch shape (url_verification handshake, event_callback → message
// event → IncomingMessage) translated onto slack-go/slackevents.
type SlackChannel struct {
	BaseChannel
	cfg config.SlackConfig
	out chan<- bus.IncomingMessage

	api       *slack.Client
	botUserID string
	limiter   *RateLimiter
}

// NewSlackChannel builds a Slack adapter publishing inbound messages onto in.
func NewSlackChannel(cfg config.SlackConfig, in chan<- bus.IncomingMessage) *SlackChannel {
	return &SlackChannel{
		BaseChannel: NewBaseChannel(CapReactions, CapMediaSend, CapMessageEdit, CapMessageDelete),
		cfg:         cfg,
		out:         in,
		limiter:     NewRateLimiter(1, 10, time.Second),
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Connect(ctx context.Context) error {
	if c.cfg.BotToken == "" {
		return fmt.Errorf("slack: bot_token is required")
	}
	c.api = slack.New(c.cfg.BotToken)
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID
	logger.InfoCF("channels", "slack connected", map[string]interface{}{"bot_user_id": c.botUserID})
	return nil
}

func (c *SlackChannel) Disconnect(ctx context.Context) error {
	c.api = nil
	return nil
}

// Webhook handles Slack's Events API POSTs: it verifies the request
// signature, answers the url_verification handshake, and forwards
// message-type callback events onto the inbound bus.
func (c *SlackChannel) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	sv, err := slackevents.NewSecretsVerifier(r.Header, c.cfg.SigningSecret)
	if err != nil {
		http.Error(w, "missing signature headers", http.StatusUnauthorized)
		return
	}
	if _, err := sv.Write(body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := sv.Ensure(); err != nil {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "bad event payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge struct {
			Challenge string `json:"challenge"`
		}
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "bad challenge payload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return

	case slackevents.CallbackEvent:
		w.WriteHeader(http.StatusOK)
		inner := event.InnerEvent
		if ev, ok := inner.Data.(*slackevents.MessageEvent); ok {
			if ev.BotID != "" || ev.User == c.botUserID {
				return
			}
			msg := slackToIncoming(ev)
			select {
			case c.out <- msg:
			default:
				logger.WarnCF("channels", "slack inbound queue full, dropping message", map[string]interface{}{
					"chat_id": msg.ChannelID,
				})
			}
		}
		return

	default:
		w.WriteHeader(http.StatusOK)
	}
}

func slackToIncoming(ev *slackevents.MessageEvent) bus.IncomingMessage {
	return bus.IncomingMessage{
		ID:        ev.TimeStamp,
		Channel:   "slack",
		ChannelID: ev.Channel,
		SenderID:  ev.User,
		Content:   ev.Text,
		IsDM:      ev.ChannelType == "im",
		ThreadID:  ev.ThreadTimeStamp,
	}
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	if c.api == nil {
		return fmt.Errorf("slack: not connected")
	}
	c.limiter.Wait(msg.ChannelID, 5*time.Second)

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}
	_, _, err := c.api.PostMessageContext(ctx, msg.ChannelID, opts...)
	if err != nil {
		return fmt.Errorf("slack: sending message: %w", err)
	}
	return nil
}

func (c *SlackChannel) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	if c.api == nil {
		return fmt.Errorf("slack: not connected")
	}
	_, _, _, err := c.api.UpdateMessageContext(ctx, chatID, messageID, slack.MsgOptionText(content, false))
	return err
}

func (c *SlackChannel) SendTyping(ctx context.Context, chatID string) error {
	// Slack's Events API has no typing indicator equivalent for bot users.
	return nil
}

func (c *SlackChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if c.api == nil {
		return fmt.Errorf("slack: not connected")
	}
	ref := slack.NewRefToMessage(chatID, messageID)
	return c.api.AddReactionContext(ctx, emoji, ref)
}

func (c *SlackChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if c.api == nil {
		return fmt.Errorf("slack: not connected")
	}
	ref := slack.NewRefToMessage(chatID, messageID)
	return c.api.RemoveReactionContext(ctx, emoji, ref)
}
