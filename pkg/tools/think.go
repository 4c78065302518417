package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sipeed/beacon/pkg/logger"
)

// ThinkTool allows the agent to reason through complex problems step by step
// without taking any action. The thought never reaches the user or gets
// echoed back verbatim; it is logged at debug level under the "tools"
// component so an operator tailing logs can follow the model's reasoning
// during incident review, then acknowledged to the LLM with a short
// confirmation rather than silently repeated back to it.
type ThinkTool struct{}

func NewThinkTool() *ThinkTool {
	return &ThinkTool{}
}

func (t *ThinkTool) Name() string {
	return "think"
}

func (t *ThinkTool) Description() string {
	return "Use this tool to think through a problem step-by-step before acting. Your thought is private and not shown to the user. Use it when you need to reason about complex decisions, plan multi-step actions, or analyze information before responding."
}

func (t *ThinkTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"thought": map[string]interface{}{
				"type":        "string",
				"description": "Your step-by-step reasoning or analysis",
			},
		},
		"required": []string{"thought"},
	}
}

func (t *ThinkTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	thought, _ := args["thought"].(string)
	thought = strings.TrimSpace(thought)
	if thought == "" {
		return ErrorResult("thought is required")
	}

	logger.DebugCF("tools", "agent reasoning", map[string]interface{}{"thought": thought})

	words := len(strings.Fields(thought))
	return SilentResult(fmt.Sprintf("Thought recorded (%d words).", words))
}
