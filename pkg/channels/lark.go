package channels

import (
	"context"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
)

// LarkChannel adapts the Lark/Feishu long-lived websocket event stream
// (larksuite/oapi-sdk-go/v3's ws client) into the Channel contract, the same
// push-only shape telego's long-polling and discordgo's gateway session
// already give this package: no teacher file touches Lark, so this is
// grounded on the SDK's own documented event-dispatcher/ws-client pairing
// (one dispatcher registered for p2.im.message.receive_v1, started via
// larkws.Client.Start) plus the DM-detection convention other adapters in
// this package already use (chat_type == "p2p").
type LarkChannel struct {
	BaseChannel
	cfg config.LarkConfig
	out chan<- bus.IncomingMessage

	client *lark.Client
	ws     *larkws.Client
	cancel context.CancelFunc
}

// NewLarkChannel builds a Lark adapter publishing inbound messages onto in.
func NewLarkChannel(cfg config.LarkConfig, in chan<- bus.IncomingMessage) *LarkChannel {
	return &LarkChannel{
		BaseChannel: NewBaseChannel(CapMediaSend),
		cfg:         cfg,
		out:         in,
	}
}

func (c *LarkChannel) Name() string { return "lark" }

func (c *LarkChannel) Connect(ctx context.Context) error {
	if c.cfg.AppID == "" {
		return fmt.Errorf("lark: app_id is required")
	}
	c.client = lark.NewClient(c.cfg.AppID, c.cfg.AppSecret)

	dispatcher := larkevent.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
			c.handleEvent(event)
			return nil
		})

	c.ws = larkws.NewClient(c.cfg.AppID, c.cfg.AppSecret,
		larkws.WithEventHandler(dispatcher),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := c.ws.Start(runCtx); err != nil {
			logger.ErrorCF("lark", "websocket client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return nil
}

func (c *LarkChannel) handleEvent(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return
	}
	msg := event.Event.Message
	chatType := larkcore.StringValue(msg.ChatType)
	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		senderID = larkcore.StringValue(event.Event.Sender.SenderId.OpenId)
	}

	c.out <- bus.IncomingMessage{
		ID:        larkcore.StringValue(msg.MessageId),
		Channel:   "lark",
		ChannelID: larkcore.StringValue(msg.ChatId),
		SenderID:  senderID,
		Content:   larkcore.StringValue(msg.Content),
		IsDM:      chatType == "p2p",
	}
}

func (c *LarkChannel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *LarkChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	body := larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(msg.ChannelID).
		MsgType("text").
		Content(fmt.Sprintf(`{"text":%q}`, msg.Content)).
		Build()
	req := larkim.NewCreateMessageReqBuilder().ReceiveIdType("chat_id").Body(body).Build()

	resp, err := c.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("lark: send message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark: send message failed: %s", resp.Msg)
	}
	return nil
}

func (c *LarkChannel) SendTyping(ctx context.Context, chatID string) error { return nil }

func (c *LarkChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (c *LarkChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}
