package channels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"context"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/config"
)

// teamsActivity is the subset of a Bot Framework Activity this adapter
// reads from an inbound webhook and writes for an outbound reply.
type teamsActivity struct {
	Type         string `json:"type"`
	ID           string `json:"id,omitempty"`
	Text         string `json:"text,omitempty"`
	ServiceURL   string `json:"serviceUrl,omitempty"`
	Conversation struct {
		ID         string `json:"id"`
		IsGroup    bool   `json:"isGroup"`
		Conversation string `json:"conversationType,omitempty"`
	} `json:"conversation"`
	From struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// MSTeamsChannel adapts Microsoft Teams' Bot Framework webhook (inbound)
// plus the Bot Framework Connector's conversations API (outbound, bearer
// token minted via the channel package's own TokenRefresher) into the
// Channel contract. Grounded on slack.go's webhook-mounted-on-the-admin-
// server shape for ingress (no teacher file covers Teams at all), and on
// tokenrefresh.go's already-built singleflight-deduped client-credentials
// refresher for the outbound bearer token spec.md's DOMAIN STACK calls for.
type MSTeamsChannel struct {
	BaseChannel
	cfg     config.MSTeamsConfig
	out     chan<- bus.IncomingMessage
	tokens  *TokenRefresher
	client  *http.Client

	mu            sync.Mutex
	serviceURLFor map[string]string // conversation id -> serviceUrl
}

// NewMSTeamsChannel builds a Teams adapter publishing inbound messages onto
// in. Connect is a no-op: Teams delivers messages via Webhook, not a
// persistent connection.
func NewMSTeamsChannel(cfg config.MSTeamsConfig, in chan<- bus.IncomingMessage) *MSTeamsChannel {
	return &MSTeamsChannel{
		BaseChannel:   NewBaseChannel(),
		cfg:           cfg,
		out:           in,
		tokens:        NewTeamsTokenRefresher(cfg.TenantID, cfg.ClientID, cfg.ClientSecret),
		client:        &http.Client{Timeout: 15 * time.Second},
		serviceURLFor: make(map[string]string),
	}
}

func (c *MSTeamsChannel) Name() string { return "msteams" }

func (c *MSTeamsChannel) Connect(ctx context.Context) error    { return nil }
func (c *MSTeamsChannel) Disconnect(ctx context.Context) error { return nil }

// Webhook handles the Bot Framework's POSTed Activity for an inbound
// message, mounted by the gateway supervisor (C12) on the admin HTTP
// server, the same pattern slack.go's Webhook uses.
func (c *MSTeamsChannel) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	var act teamsActivity
	if err := json.Unmarshal(body, &act); err != nil {
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}
	if act.Type != "message" {
		w.WriteHeader(http.StatusOK)
		return
	}

	c.mu.Lock()
	c.serviceURLFor[act.Conversation.ID] = act.ServiceURL
	c.mu.Unlock()

	c.out <- bus.IncomingMessage{
		ID:        act.ID,
		Channel:   "msteams",
		ChannelID: act.Conversation.ID,
		SenderID:  act.From.ID,
		SenderName: act.From.Name,
		Content:   act.Text,
		IsDM:      act.Conversation.Conversation == "personal",
		ReplyTo:   act.ReplyToID,
	}
	w.WriteHeader(http.StatusOK)
}

func (c *MSTeamsChannel) Send(ctx context.Context, msg bus.OutgoingMessage) error {
	c.mu.Lock()
	serviceURL := c.serviceURLFor[msg.ChannelID]
	c.mu.Unlock()
	if serviceURL == "" {
		return fmt.Errorf("msteams: no known service URL for conversation %s", msg.ChannelID)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("msteams: minting bearer token: %w", err)
	}

	reply := teamsActivity{Type: "message", Text: msg.Content}
	reply.Conversation.ID = msg.ChannelID
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("msteams: encoding reply: %w", err)
	}

	url := fmt.Sprintf("%s/v3/conversations/%s/activities", serviceURL, msg.ChannelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("msteams: posting activity: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("msteams: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *MSTeamsChannel) SendTyping(ctx context.Context, chatID string) error { return nil }

func (c *MSTeamsChannel) AddReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

func (c *MSTeamsChannel) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}
