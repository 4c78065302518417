package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/philippgille/chromem-go"
)

// OpenAIProvider is the OpenAI-compatible LLMProvider: the gateway uses it
// as the fallback backend (FallbackProvider.fallback) when an Anthropic key
// is also configured, and as the primary backend when it is not.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider authenticates with a plain API key, as configured via
// ProvidersConfig.OpenAIAPIKey. baseURL overrides the endpoint for
// OpenAI-compatible gateways (Azure, local proxies); pass "" to use
// OpenAI's default.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: &client, model: model}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	params := buildOpenAIParams(messages, tools, model, options)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai API call: %w", err)
	}
	return parseOpenAIResponse(resp), nil
}

// ChatStream issues a streaming completion, invoking onContent with each
// text delta and accumulating tool calls across chunks, matching the
// pipeline's streaming tool-loop path (§4.11 step 13a).
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error) {
	params := buildOpenAIParams(messages, tools, model, options)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var content string
	calls := make(map[int64]*ToolCall)
	var finishReason string
	var usage *UsageInfo

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content += choice.Delta.Content
			if onContent != nil {
				onContent(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index
			cur, ok := calls[idx]
			if !ok {
				cur = &ToolCall{ID: tc.ID, Function: &FunctionCall{}}
				calls[idx] = cur
			}
			if tc.Function.Name != "" {
				cur.Function.Name = tc.Function.Name
			}
			cur.Function.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = &UsageInfo{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	toolCalls := make([]ToolCall, 0, len(calls))
	for i := int64(0); i < int64(len(calls)); i++ {
		tc, ok := calls[i]
		if !ok {
			continue
		}
		var args map[string]interface{}
		if json.Unmarshal([]byte(tc.Function.Arguments), &args) == nil {
			tc.Arguments = args
		}
		toolCalls = append(toolCalls, *tc)
	}

	return &LLMResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: normalizeFinishReason(finishReason),
		Usage:        usage,
	}, nil
}

func (p *OpenAIProvider) GetDefaultModel() string {
	return p.model
}

// EmbeddingFunc returns a chromem.EmbeddingFunc backed by this provider's
// client. The gateway does not use it; it builds its embedding function
// with chromem.NewEmbeddingFuncOpenAI (see gateway.resolveEmbeddingFunc).
func (p *OpenAIProvider) EmbeddingFunc(model string) chromem.EmbeddingFunc {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
			Model: openai.EmbeddingModel(model),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("openai embedding: empty response")
		}
		raw := resp.Data[0].Embedding
		out := make([]float32, len(raw))
		for i, v := range raw {
			out[i] = float32(v)
		}
		return out, nil
	}
}

func buildOpenAIParams(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) openai.ChatCompletionNewParams {
	var oaMessages []openai.ChatCompletionMessageParamUnion

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			oaMessages = append(oaMessages, openai.SystemMessage(msg.Content))
		case "user":
			oaMessages = append(oaMessages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				am := openai.ChatCompletionAssistantMessageParam{}
				if msg.Content != "" {
					am.Content.OfString = openai.String(msg.Content)
				}
				for _, tc := range msg.ToolCalls {
					name := tc.Name
					argsJSON := ""
					if tc.Function != nil {
						if name == "" {
							name = tc.Function.Name
						}
						argsJSON = tc.Function.Arguments
					}
					if argsJSON == "" && tc.Arguments != nil {
						if b, err := json.Marshal(tc.Arguments); err == nil {
							argsJSON = string(b)
						}
					}
					am.ToolCalls = append(am.ToolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      name,
							Arguments: argsJSON,
						},
					})
				}
				oaMessages = append(oaMessages, openai.ChatCompletionMessageParamUnion{OfAssistant: &am})
			} else {
				oaMessages = append(oaMessages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			oaMessages = append(oaMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: oaMessages,
	}

	if mt, ok := options["max_tokens"].(int); ok {
		params.MaxTokens = openai.Int(int64(mt))
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = openai.Float(temp)
	}
	if len(tools) > 0 {
		params.Tools = translateToolsForOpenAI(tools)
	}

	return params
}

func translateToolsForOpenAI(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Function.Name,
			Description: openai.String(t.Function.Description),
			Parameters:  openai.FunctionParameters(t.Function.Parameters),
		}))
	}
	return out
}

func parseOpenAIResponse(resp *openai.ChatCompletion) *LLMResponse {
	if len(resp.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop"}
	}
	choice := resp.Choices[0]

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if json.Unmarshal([]byte(tc.Function.Arguments), &args) != nil {
			args = map[string]interface{}{"raw": tc.Function.Arguments}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Function:  &FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: normalizeFinishReason(string(choice.FinishReason)),
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

func normalizeFinishReason(r string) string {
	switch r {
	case "tool_calls":
		return "tool_calls"
	case "length":
		return "length"
	case "":
		return "stop"
	default:
		return "stop"
	}
}
