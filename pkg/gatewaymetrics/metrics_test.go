package gatewaymetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_DisabledReturnsNil(t *testing.T) {
	m := New(false)
	if m != nil {
		t.Fatalf("expected a nil *Metrics when disabled, got %+v", m)
	}
}

func TestNew_EnabledRegistersWithoutPanicking(t *testing.T) {
	m := New(true)
	if m == nil {
		t.Fatal("expected a non-nil *Metrics when enabled")
	}

	m.RecordLLMCall("claude-sonnet-4-5-20250929", 120*time.Millisecond, 100, 25)
	m.RecordLLMError("claude-sonnet-4-5-20250929")
	m.RecordToolCall("think", false)
	m.RecordToolCall("memory_search", true)
	m.RecordMemorySearch("hybrid", 5*time.Millisecond)
	m.RecordSessionCreated("telegram")
	m.RecordSessionEvent("telegram", "conversation.started")
	m.RecordHTTPRequest(http.MethodGet, "/admin/users/{id}", http.StatusOK, 2*time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 scraping /metrics, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatal("expected the scrape body to contain registered metric families")
	}
}

func TestNilMetrics_MethodsAreNoops(t *testing.T) {
	var m *Metrics

	m.RecordLLMCall("model", time.Second, 1, 1)
	m.RecordLLMError("model")
	m.RecordToolCall("tool", true)
	m.RecordMemorySearch("hybrid", time.Second)
	m.RecordSessionCreated("telegram")
	m.RecordSessionEvent("telegram", "message.processed")
	m.RecordHTTPRequest(http.MethodGet, "/x", 200, time.Second)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected a nil Metrics to serve 503, got %d", rr.Code)
	}
}

func TestStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		0:   "unknown",
	}
	for code, want := range cases {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
