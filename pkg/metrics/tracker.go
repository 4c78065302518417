package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TokenEvent records usage for a single LLM call.
type TokenEvent struct {
	Timestamp    string   `json:"ts"`
	SessionKey   string   `json:"session"`
	Model        string   `json:"model"`
	InputTokens  int      `json:"in"`
	OutputTokens int      `json:"out"`
	CacheRead    int      `json:"cache_read,omitempty"`
	CacheCreate  int      `json:"cache_create,omitempty"`
	CostUSD      float64  `json:"cost"`
	Specialist   string   `json:"specialist,omitempty"`
	ToolsUsed    []string `json:"tools,omitempty"`
	Iteration    int      `json:"iter"`
}

// SessionUsage accumulates in-memory totals for one session key across the
// life of the process, so an operator can ask "what has this session cost
// so far" without re-reading the whole JSONL file.
type SessionUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Calls        int     `json:"calls"`
}

// Tracker appends token usage events to a JSONL file and keeps a running
// in-memory summary per session for the admin /admin/usage endpoint.
type Tracker struct {
	filePath string
	mu       sync.Mutex
	bySess   map[string]*SessionUsage
}

// NewTracker creates a tracker that writes to workspace/metrics/tokens.jsonl.
func NewTracker(workspace string) *Tracker {
	dir := filepath.Join(workspace, "metrics")
	os.MkdirAll(dir, 0755)
	return &Tracker{
		filePath: filepath.Join(dir, "tokens.jsonl"),
		bySess:   make(map[string]*SessionUsage),
	}
}

// Record appends a token event to the JSONL file and folds it into the
// running per-session summary.
func (t *Tracker) Record(event TokenEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().Format(time.RFC3339)
	}
	event.CostUSD = calculateCost(event.Model, event.InputTokens, event.OutputTokens, event.CacheRead, event.CacheCreate)

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.bySess[event.SessionKey]
	if sess == nil {
		sess = &SessionUsage{}
		t.bySess[event.SessionKey] = sess
	}
	sess.InputTokens += event.InputTokens
	sess.OutputTokens += event.OutputTokens
	sess.CostUSD += event.CostUSD
	sess.Calls++

	f, err := os.OpenFile(t.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	f.Write(data)
	f.Write([]byte("\n"))
}

// Summary returns a snapshot of running per-session totals accumulated
// since the tracker was created (not the lifetime of tokens.jsonl, which
// may predate this process).
func (t *Tracker) Summary() map[string]SessionUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]SessionUsage, len(t.bySess))
	for k, v := range t.bySess {
		out[k] = *v
	}
	return out
}

// Model pricing per million tokens (input, output, cache_read, cache_create).
type modelPricing struct {
	inputPerM       float64
	outputPerM      float64
	cacheReadPerM   float64
	cacheCreatePerM float64
}

var pricing = map[string]modelPricing{
	"claude-sonnet-4-5-20250929": {3.0, 15.0, 0.3, 3.75},
	"claude-sonnet-4-20250514":   {3.0, 15.0, 0.3, 3.75},
	"claude-haiku-3-5-20241022":  {0.8, 4.0, 0.08, 1.0},
	"claude-opus-4-20250514":     {15.0, 75.0, 1.5, 18.75},
	"gpt-4o":                     {2.5, 10.0, 1.25, 2.5},
	"gpt-4o-mini":                {0.15, 0.6, 0.075, 0.15},
}

func calculateCost(model string, input, output, cacheRead, cacheCreate int) float64 {
	p, ok := pricing[model]
	if !ok {
		// Default to Sonnet pricing
		p = modelPricing{3.0, 15.0, 0.3, 3.75}
	}

	return float64(input)*p.inputPerM/1e6 +
		float64(output)*p.outputPerM/1e6 +
		float64(cacheRead)*p.cacheReadPerM/1e6 +
		float64(cacheCreate)*p.cacheCreatePerM/1e6
}
