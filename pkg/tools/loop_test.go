package tools

import (
	"context"
	"testing"

	"github.com/sipeed/beacon/pkg/providers"
)

// scriptedProvider returns queued responses in order, one per Chat call,
// so a test can script a multi-turn tool loop without a real backend.
type scriptedProvider struct {
	responses []*providers.LLMResponse
	calls     int
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "test-model" }

// fakeTool returns a fixed ToolResult every call, recording how many times
// it was invoked.
type fakeTool struct {
	name   string
	result *ToolResult
	calls  int
}

func (t *fakeTool) Name() string                             { return t.name }
func (t *fakeTool) Description() string                      { return "fake tool for tests" }
func (t *fakeTool) Parameters() map[string]interface{}       { return map[string]interface{}{"type": "object"} }
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	t.calls++
	return t.result
}

func newRegistryWith(t Tool) *ToolRegistry {
	r := NewToolRegistry()
	r.MustRegister(t)
	return r
}

func TestRunToolLoop_NoToolCallReturnsImmediately(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "hello there", FinishReason: "stop"},
	}}

	result, err := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider: provider,
		Model:    "test-model",
	}, []providers.Message{{Role: "user", Content: "hi"}}, "telegram", "chat1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "hello there" {
		t.Fatalf("expected passthrough content, got %q", result.Content)
	}
	if result.Iterations != 1 {
		t.Fatalf("expected 1 iteration, got %d", result.Iterations)
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly one Chat call, got %d", provider.calls)
	}
}

func TestRunToolLoop_SilentToolResultAggregatesIntoAnySilent(t *testing.T) {
	tool := &fakeTool{name: "think", result: SilentResult("Thought recorded.")}
	registry := newRegistryWith(tool)

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call1", Name: "think", Arguments: map[string]interface{}{"thought": "hmm"}},
			},
		},
		{Content: "done", FinishReason: "stop"},
	}}

	result, err := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider: provider,
		Model:    "test-model",
		Tools:    registry,
	}, []providers.Message{{Role: "user", Content: "think about it"}}, "telegram", "chat1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AnySilent {
		t.Fatalf("expected AnySilent to be true after a Silent tool result")
	}
	if len(result.ForUser) != 0 {
		t.Fatalf("expected no ForUser entries from a Silent-only result, got %v", result.ForUser)
	}
	if tool.calls != 1 {
		t.Fatalf("expected the tool to be called once, got %d", tool.calls)
	}
	if result.Content != "done" {
		t.Fatalf("expected final content %q, got %q", "done", result.Content)
	}
}

func TestRunToolLoop_ForUserResultIsCollected(t *testing.T) {
	tool := &fakeTool{name: "message", result: &ToolResult{ForLLM: "sent", ForUser: "Hello, user!"}}
	registry := newRegistryWith(tool)

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call1", Name: "message", Arguments: map[string]interface{}{"content": "Hello, user!"}},
			},
		},
		{Content: "wrapped up", FinishReason: "stop"},
	}}

	result, err := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider: provider,
		Model:    "test-model",
		Tools:    registry,
	}, []providers.Message{{Role: "user", Content: "say hi"}}, "telegram", "chat1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AnySilent {
		t.Fatalf("expected AnySilent false when no Silent result was returned")
	}
	if len(result.ForUser) != 1 || result.ForUser[0] != "Hello, user!" {
		t.Fatalf("expected ForUser to collect the tool's user-facing text, got %v", result.ForUser)
	}
}

func TestRunToolLoop_MultipleToolCallsCollectForUserInOrder(t *testing.T) {
	first := &fakeTool{name: "first", result: &ToolResult{ForLLM: "ok1", ForUser: "first message"}}
	second := &fakeTool{name: "second", result: &ToolResult{ForLLM: "ok2", ForUser: "second message"}}
	registry := NewToolRegistry()
	registry.MustRegister(first)
	registry.MustRegister(second)

	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call1", Name: "first", Arguments: map[string]interface{}{}},
				{ID: "call2", Name: "second", Arguments: map[string]interface{}{}},
			},
		},
		{Content: "done", FinishReason: "stop"},
	}}

	result, err := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider: provider,
		Model:    "test-model",
		Tools:    registry,
	}, []providers.Message{{Role: "user", Content: "go"}}, "telegram", "chat1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"first message", "second message"}
	if len(result.ForUser) != len(want) || result.ForUser[0] != want[0] || result.ForUser[1] != want[1] {
		t.Fatalf("expected ForUser in call order %v, got %v", want, result.ForUser)
	}
}

func TestRunToolLoop_MaxIterationsExhausted(t *testing.T) {
	tool := &fakeTool{name: "loopy", result: Result("again")}
	registry := newRegistryWith(tool)

	// Every response asks for another tool call, so the loop should run out
	// of iterations rather than terminate naturally.
	responses := make([]*providers.LLMResponse, 0, MaxTurns)
	for i := 0; i < MaxTurns; i++ {
		responses = append(responses, &providers.LLMResponse{
			FinishReason: "tool_calls",
			ToolCalls: []providers.ToolCall{
				{ID: "call", Name: "loopy", Arguments: map[string]interface{}{"n": i}},
			},
		})
	}
	provider := &scriptedProvider{responses: responses}

	result, err := RunToolLoop(context.Background(), ToolLoopConfig{
		Provider:      provider,
		Model:         "test-model",
		Tools:         registry,
		MaxIterations: MaxTurns,
	}, []providers.Message{{Role: "user", Content: "go"}}, "telegram", "chat1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Iterations != MaxTurns {
		t.Fatalf("expected %d iterations, got %d", MaxTurns, result.Iterations)
	}
	if result.CircuitBroken {
		t.Fatalf("exhausting MaxIterations is not the same as the circuit breaker tripping")
	}
}
