package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/providers"
)

// MaxTurns bounds the LLM↔tool iteration per §4.11 step 13.
const MaxTurns = 10

// ToolLoopConfig configures one run of the bounded tool loop.
type ToolLoopConfig struct {
	Provider      providers.LLMProvider
	Model         string
	Tools         *ToolRegistry
	MaxIterations int
	LLMOptions    map[string]interface{}
	Stream        bool
	// OnDelta, when non-nil and Stream is true, receives each content delta
	// as it arrives so the caller can drive a throttled streaming update
	// (the pipeline wraps this with bus.StreamNotifier).
	OnDelta func(delta string)
	// OnToolResult is called after each tool execution with (name, argsJSON,
	// result, classification) so the caller can publish tool.executed events
	// and apply loop-detector steering, without the loop itself depending on
	// the event bus.
	OnToolResult func(name, argsJSON, result string, cls LoopClassification)
}

// ToolLoopResult is what RunToolLoop returns once a non-tool finish reason
// is reached, the circuit breaker trips, or MaxIterations is exhausted.
type ToolLoopResult struct {
	Content       string
	Iterations    int
	ToolsUsed     []string
	Messages      []providers.Message
	CircuitBroken bool
	Usage         providers.UsageInfo
	// AnySilent is true if at least one tool call this turn returned a
	// ToolResult with Silent set (registry.go's ForLLM/ForUser/Silent
	// contract) — surfaced for callers deciding whether to narrate a tool's
	// raw output anywhere outside the model's own final response.
	AnySilent bool
	// ForUser collects every non-empty ToolResult.ForUser from this turn, in
	// call order — content a tool wants delivered to the user directly,
	// bypassing the model, as registry.go's ToolResult doc comment promises.
	ForUser []string
}

func toolDefinitions(specs []Spec) []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return defs
}

// RunToolLoop drives the bounded LLM↔tool iteration described in spec.md
// §4.11 step 13: up to MaxTurns rounds of chat-completion, tool dispatch,
// and loop-detector classification, terminated by a non-tool finish reason
// or a circuit breaker. Used both by the main message pipeline and by
// sub-agent tools (e.g. consult_specialist) that run their own nested loop
// against a scoped registry.
func RunToolLoop(ctx context.Context, cfg ToolLoopConfig, messages []providers.Message, channel, chatID string) (*ToolLoopResult, error) {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 || maxIter > MaxTurns {
		maxIter = MaxTurns
	}

	if cfg.Tools != nil {
		cfg.Tools.SetContext(channel, chatID)
	}

	var defs []providers.ToolDefinition
	if cfg.Tools != nil {
		defs = toolDefinitions(cfg.Tools.Specs())
	}

	detector := NewLoopDetector()
	result := &ToolLoopResult{}

	for iter := 0; iter < maxIter; iter++ {
		result.Iterations = iter + 1

		resp, err := callOnce(ctx, cfg, messages, defs)
		if err != nil {
			return result, fmt.Errorf("chat completion: %w", err)
		}
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}

		if resp.FinishReason != "tool_calls" || len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			result.Messages = messages
			return result, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		brokeCircuit := false
		for _, call := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(call.Arguments)
			resultText, toolResult := cfg.Tools.Execute(ctx, call.Name, call.Arguments)
			result.ToolsUsed = append(result.ToolsUsed, call.Name)

			cls := detector.Observe(call.Name, call.Arguments, resultText)

			if cls == LoopCircuitBreaker {
				resultText = "Error: Circuit breaker triggered — this tool has been called identically 5+ times this turn."
				toolResult = ErrorResult(resultText)
			}

			if toolResult != nil {
				if toolResult.Silent {
					result.AnySilent = true
				}
				if toolResult.ForUser != "" {
					result.ForUser = append(result.ForUser, toolResult.ForUser)
				}
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    resultText,
				ToolCallID: call.ID,
			})

			if cfg.OnToolResult != nil {
				cfg.OnToolResult(call.Name, string(argsJSON), resultText, cls)
			}

			switch cls {
			case LoopCircuitBreaker:
				logger.WarnCF("tools", "circuit breaker triggered", map[string]interface{}{
					"tool": call.Name, "channel": channel, "chat_id": chatID,
				})
				brokeCircuit = true
			case LoopCritical:
				messages = append(messages, providers.Message{
					Role:    "system",
					Content: "Warning: you appear to be in a loop calling the same tool with the same arguments. Try a different approach or finish your response.",
				})
			}

			if brokeCircuit {
				break
			}
		}

		if brokeCircuit {
			result.CircuitBroken = true
			result.Content = "I ran into a repeated tool call and stopped to avoid looping. Here's what I have so far."
			result.Messages = messages
			return result, nil
		}
	}

	result.Content = "I've reached the maximum number of tool iterations for this turn."
	result.Messages = messages
	return result, nil
}

func callOnce(ctx context.Context, cfg ToolLoopConfig, messages []providers.Message, defs []providers.ToolDefinition) (*providers.LLMResponse, error) {
	if cfg.Stream {
		if sp, ok := cfg.Provider.(providers.StreamingProvider); ok {
			onContent := cfg.OnDelta
			if onContent == nil {
				onContent = func(string) {}
			}
			return sp.ChatStream(ctx, messages, defs, cfg.Model, cfg.LLMOptions, onContent)
		}
	}
	return cfg.Provider.Chat(ctx, messages, defs, cfg.Model, cfg.LLMOptions)
}
