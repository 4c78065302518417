package bus

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/beacon/pkg/logger"
)

// Event is the lifecycle event shape published to the event bus (§4.9, §6).
type Event struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Subject        string      `json:"subject,omitempty"`
	Source         string      `json:"source"`
	Data           interface{} `json:"data"`
	Timestamp      string      `json:"timestamp"`
	OrganizationID string      `json:"organization_id"`
}

// NewEvent creates an Event with a fresh UUID and the current timestamp.
func NewEvent(eventType, organizationID string, data interface{}) Event {
	return Event{
		ID:             uuid.NewString(),
		Type:           eventType,
		Source:         "beacon-gateway",
		Data:           data,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		OrganizationID: organizationID,
	}
}

// WithSubject returns a copy of the event with Subject set, used for
// partition routing by e.g. user ID.
func (e Event) WithSubject(subject string) Event {
	e.Subject = subject
	return e
}

const (
	streamName      = "omni-events"
	topicPartitions = 3
)

// EventPublisherConfig configures the Iggy HTTP REST publisher.
type EventPublisherConfig struct {
	BaseURL  string // e.g. http://localhost:3000
	Username string
	Password string
}

// EventPublisher publishes Events to an Iggy stream over its HTTP REST API,
// fire-and-forget: Publish never blocks the caller and never returns an
// error — failures are logged at warn level only (§4.9, §7).
type EventPublisher struct {
	cfg    EventPublisherConfig
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExp    time.Time
	ensuredTop  map[string]bool
	initialized bool
}

// NewEventPublisher constructs a publisher. A configuration with an empty
// BaseURL leaves the publisher uninitialized, and every Publish call on it
// is then a no-op.
func NewEventPublisher(cfg EventPublisherConfig) *EventPublisher {
	p := &EventPublisher{
		cfg:        cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		ensuredTop: make(map[string]bool),
	}
	p.initialized = cfg.BaseURL != ""
	return p
}

// Publish fires off an asynchronous, best-effort attempt to log in, ensure
// the stream/topic exist, and post the base64-encoded event payload. It
// returns immediately.
func (p *EventPublisher) Publish(event Event) {
	if !p.initialized {
		return
	}
	go p.publishSync(context.Background(), event)
}

func (p *EventPublisher) publishSync(ctx context.Context, event Event) {
	if err := p.ensureLoggedIn(ctx); err != nil {
		logger.WarnCF("events", "login failed, dropping event", map[string]interface{}{
			"error": err.Error(), "type": event.Type,
		})
		return
	}
	if err := p.ensureTopic(ctx, event.OrganizationID); err != nil {
		logger.WarnCF("events", "ensure topic failed, dropping event", map[string]interface{}{
			"error": err.Error(), "type": event.Type,
		})
		return
	}
	if err := p.postMessage(ctx, event); err != nil {
		logger.WarnCF("events", "publish failed", map[string]interface{}{
			"error": err.Error(), "type": event.Type,
		})
	}
}

func (p *EventPublisher) ensureLoggedIn(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExp) {
		return nil
	}

	body, _ := json.Marshal(map[string]string{
		"username": p.cfg.Username,
		"password": p.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/users/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken struct {
			Token     string `json:"token"`
			ExpiresAt string `json:"expiry"`
		} `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	p.token = out.AccessToken.Token
	p.tokenExp = time.Now().Add(50 * time.Minute)
	return nil
}

func (p *EventPublisher) ensureTopic(ctx context.Context, organizationID string) error {
	p.mu.Lock()
	if p.ensuredTop[organizationID] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// Best-effort create of the stream, then of the topic: a 4xx "already
	// exists" response is not an error for either.
	streamBody, _ := json.Marshal(map[string]interface{}{"name": streamName})
	sreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/streams", bytes.NewReader(streamBody))
	if err != nil {
		return err
	}
	p.setAuth(sreq)
	sreq.Header.Set("Content-Type", "application/json")
	sresp, err := p.client.Do(sreq)
	if err != nil {
		return err
	}
	sresp.Body.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"name":              organizationID,
		"partitions_count":  topicPartitions,
		"message_expiry":    int64(90 * 24 * 60 * 60),
		"compression_algorithm": "none",
	})
	url := fmt.Sprintf("%s/streams/%s/topics", p.cfg.BaseURL, streamName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	p.setAuth(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	p.mu.Lock()
	p.ensuredTop[organizationID] = true
	p.mu.Unlock()
	return nil
}

func (p *EventPublisher) postMessage(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"partitioning": map[string]string{"kind": "balanced"},
		"messages": []map[string]string{
			{"payload": base64.StdEncoding.EncodeToString(payload)},
		},
	})

	url := fmt.Sprintf("%s/streams/%s/topics/%s/messages", p.cfg.BaseURL, streamName, event.OrganizationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	p.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("publish: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *EventPublisher) setAuth(req *http.Request) {
	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
