package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/channels"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/metrics"
	"github.com/sipeed/beacon/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Options{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T, adminKey string) (*Server, *storage.Store) {
	t.Helper()
	store := newTestStore(t)
	reg := channels.NewRegistry()
	s := NewServer(Config{Port: 0, AdminAPIKey: adminKey}, store, reg, nil, nil)
	return s, store
}

func TestAdminRoutes_RequireAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users/u1", nil)
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rr.Code)
	}
}

func TestAdminRoutes_StaticKeyAllowed(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users/u1", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with the static admin key, got %d: %s", rr.Code, rr.Body.String())
	}
	var user storage.User
	if err := json.Unmarshal(rr.Body.Bytes(), &user); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if user.ID == "" {
		t.Fatalf("unexpected user body: %+v", user)
	}
}

func TestAdminRoutes_SignedJWTAllowed(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")

	token, err := jwt.NewBuilder().Subject("operator").Build()
	if err != nil {
		t.Fatalf("building token: %v", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("secret-key")))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users/u2", nil)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with a validly signed JWT, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAdminRoutes_WrongKeyRejected(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users/u1", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a wrong key, got %d", rr.Code)
	}
}

func TestGroupConfig_PutThenGetRoundtrips(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	router := s.router()

	body, _ := json.Marshal(map[string]interface{}{
		"Title":   "ops channel",
		"Enabled": true,
	})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/admin/telegram/groups/chat1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-key")
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on put, got %d: %s", rr.Code, rr.Body.String())
	}

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/admin/telegram/groups/chat1", nil)
	req2.Header.Set("Authorization", "Bearer secret-key")
	router.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d: %s", rr2.Code, rr2.Body.String())
	}
	var group storage.TelegramGroupConfig
	if err := json.Unmarshal(rr2.Body.Bytes(), &group); err != nil {
		t.Fatalf("decoding group: %v", err)
	}
	if group.ChatID != "chat1" || group.Title != "ops channel" || !group.Enabled {
		t.Fatalf("unexpected group config: %+v", group)
	}
}

func TestGroupConfig_GetMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/telegram/groups/unknown", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a chat with no override, got %d", rr.Code)
	}
}

func TestUsage_DisabledWithoutTracker(t *testing.T) {
	s, _ := newTestServer(t, "secret-key")
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a tracker configured, got %d", rr.Code)
	}
}

func TestUsage_ReportsPerSessionTotals(t *testing.T) {
	store := newTestStore(t)
	reg := channels.NewRegistry()
	tracker := metrics.NewTracker(t.TempDir())
	tracker.Record(metrics.TokenEvent{SessionKey: "sess1", Model: "gpt-4o-mini", InputTokens: 100, OutputTokens: 20})
	tracker.Record(metrics.TokenEvent{SessionKey: "sess1", Model: "gpt-4o-mini", InputTokens: 50, OutputTokens: 10})

	s := NewServer(Config{Port: 0, AdminAPIKey: "secret-key"}, store, reg, nil, tracker)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/usage", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	s.router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var usage map[string]metrics.SessionUsage
	if err := json.Unmarshal(rr.Body.Bytes(), &usage); err != nil {
		t.Fatalf("decoding usage: %v", err)
	}
	sess, ok := usage["sess1"]
	if !ok {
		t.Fatalf("expected an entry for sess1, got %+v", usage)
	}
	if sess.Calls != 2 || sess.InputTokens != 150 || sess.OutputTokens != 30 {
		t.Fatalf("unexpected aggregated usage: %+v", sess)
	}
}

func TestWebhooks_MountedWhenChannelPresent(t *testing.T) {
	store := newTestStore(t)
	reg := channels.NewRegistry()
	in := make(chan bus.IncomingMessage, 1)
	reg.Register(channels.NewSlackChannel(config.SlackConfig{BotToken: "xoxb-test", SigningSecret: "shh"}, in))
	s := NewServer(Config{Port: 0, AdminAPIKey: "k"}, store, reg, nil, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/slack", bytes.NewReader([]byte(`{}`)))
	s.router().ServeHTTP(rr, req)
	if rr.Code == http.StatusNotFound {
		t.Fatalf("expected the slack webhook route to be mounted, got 404")
	}
}
