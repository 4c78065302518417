package channels

import (
	"context"
	"fmt"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"github.com/tencent-connect/botgo/websocket"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
)

// TencentChannel adapts the Tencent (QQ) bot websocket gateway, via
// tencent-connect/botgo, into the Channel contract. Grounded on the same
// websocket-session shape discord.go and lark.go already use; no teacher
// file touches botgo, so this follows the SDK's own documented
// token/openapi/session-manager wiring: a credential token mints a REST
// client and a gateway URL, a registered at-message handler is wrapped into
// an Intent, and a SessionManager drives the reconnecting websocket loop.
type TencentChannel struct {
	BaseChannel
	cfg config.TencentConfig
	out chan<- bus.IncomingMessage

	api    openapi.OpenAPI
	cancel context.CancelFunc
}

// NewTencentChannel builds a Tencent adapter publishing inbound messages
// onto in.
func NewTencentChannel(cfg config.TencentConfig, in chan<- bus.IncomingMessage) *TencentChannel {
	return &TencentChannel{
		BaseChannel: NewBaseChannel(),
		cfg:         cfg,
		out:         in,
	}
}

func (c *TencentChannel) Name() string { return "tencent" }

func (c *TencentChannel) Connect(ctx context.Context) error {
	if c.cfg.AppID == "" {
		return fmt.Errorf("tencent: app_id is required")
	}
	tk := token.New(c.cfg.AppID, c.cfg.AppSecret)
	c.api = botgo.NewOpenAPI(tk).WithTimeout(3e9)

	wsInfo, err := c.api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("tencent: fetching websocket gateway: %w", err)
	}

	intent := websocket.RegisterHandlers(c.atMessageHandler())

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := botgo.NewSessionManager().Start(wsInfo, tk, &intent); err != nil {
			logger.ErrorCF("tencent", "session manager stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	_ = runCtx
	return nil
}

func (c *TencentChannel) atMessageHandler() event.ATMessageEventHandler {
	return func(wsEvent *dto.WSPayload, data *dto.WSATMessageData) error {
		c.out <- bus.IncomingMessage{
			ID:        data.ID,
			Channel:   "tencent",
			ChannelID: data.ChannelID,
			SenderID:  data.Author.ID,
			Content:   data.Content,
			IsDM:      false,
		}
		return nil
	}
}

func (c *TencentChannel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *TencentChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	_, err := c.api.PostMessage(ctx, msg.ChannelID, &dto.MessageToCreate{
		Content: msg.Content,
		MsgID:   msg.ReplyTo,
	})
	if err != nil {
		return fmt.Errorf("tencent: send message: %w", err)
	}
	return nil
}

func (c *TencentChannel) SendTyping(ctx context.Context, chatID string) error { return nil }

func (c *TencentChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (c *TencentChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}
