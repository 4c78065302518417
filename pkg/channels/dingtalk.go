package channels

import (
	"context"
	"fmt"

	dtclient "github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
)

// DingTalkChannel adapts the DingTalk stream-mode SDK's websocket chatbot
// callback into the Channel contract. Grounded on the same push-only shape
// as telegram.go's long poll and discord.go's gateway session; no teacher
// file uses dingtalk-stream-sdk-go, so this follows the SDK's own
// documented stream-client/chatbot-router pairing: a *StreamClient
// authenticated by app credentials, a registered ChatBotCallbackRouter, and
// replies sent back through the per-message session webhook the SDK hands
// each callback rather than a separate outbound API call.
type DingTalkChannel struct {
	BaseChannel
	cfg config.DingTalkConfig
	out chan<- bus.IncomingMessage

	stream  *dtclient.StreamClient
	replier *chatbot.ChatBotReplier
	cancel  context.CancelFunc

	sessionWebhooks map[string]string
}

// NewDingTalkChannel builds a DingTalk adapter publishing inbound messages
// onto in.
func NewDingTalkChannel(cfg config.DingTalkConfig, in chan<- bus.IncomingMessage) *DingTalkChannel {
	return &DingTalkChannel{
		BaseChannel:     NewBaseChannel(),
		cfg:             cfg,
		out:             in,
		sessionWebhooks: make(map[string]string),
	}
}

func (c *DingTalkChannel) Name() string { return "dingtalk" }

func (c *DingTalkChannel) Connect(ctx context.Context) error {
	if c.cfg.ClientID == "" {
		return fmt.Errorf("dingtalk: client_id is required")
	}
	c.stream = dtclient.NewStreamClient(dtclient.WithAppCredential(
		dtclient.NewAppCredentialConfig(c.cfg.ClientID, c.cfg.ClientSecret)))
	c.replier = chatbot.NewChatBotReplier()

	chatbot.RegisterChatBotCallbackRouter(c.stream, c.onMessage)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := c.stream.Start(runCtx); err != nil {
			logger.ErrorCF("dingtalk", "stream client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

func (c *DingTalkChannel) onMessage(ctx context.Context, data *chatbot.ChatBotMessage) ([]byte, error) {
	c.sessionWebhooks[data.ConversationId] = data.SessionWebhook

	c.out <- bus.IncomingMessage{
		ID:        data.MsgId,
		Channel:   "dingtalk",
		ChannelID: data.ConversationId,
		SenderID:  data.SenderStaffId,
		Content:   data.Text.Content,
		IsDM:      data.ConversationType == "1",
	}
	return []byte(""), nil
}

func (c *DingTalkChannel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	webhook, ok := c.sessionWebhooks[msg.ChannelID]
	if !ok {
		return fmt.Errorf("dingtalk: no session webhook known for conversation %s", msg.ChannelID)
	}
	return c.replier.SimpleReplyText(ctx, webhook, []byte(msg.Content))
}

func (c *DingTalkChannel) SendTyping(ctx context.Context, chatID string) error { return nil }

func (c *DingTalkChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (c *DingTalkChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}
