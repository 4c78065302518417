// Package tools implements the Tool Registry & Executor (C5): the union of
// built-in, skill-derived, and plugin-contributed tool specifications, a
// dispatcher that turns handler errors into "Error: ..." text results
// instead of raising, and the loop detector/tool-loop runner that drives the
// bounded LLM↔tool iteration described in spec.md §4.5 and §4.11 step 13.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sipeed/beacon/pkg/beaconerr"
)

// Tool is a single callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ToolResult is the outcome of one tool invocation. ForLLM is what gets fed
// back into the conversation as the tool-role message; ForUser, if set, is
// sent to the user directly (bypassing the model). Silent marks a result
// whose ForLLM text is for the model only; RunToolLoop reports it as
// ToolLoopResult.AnySilent and the pipeline only logs it.
type ToolResult struct {
	ForLLM  string
	ForUser string
	IsError bool
	Silent  bool
	Err     error
}

// String renders the result the way the tool loop feeds it back to the
// model: errors are prefixed "Error: " exactly once (§4.5), matching the
// contract execute() promises callers instead of raising.
func (r *ToolResult) String() string {
	if r == nil {
		return ""
	}
	if r.IsError && !strings.HasPrefix(r.ForLLM, "Error: ") {
		return "Error: " + r.ForLLM
	}
	return r.ForLLM
}

// ErrorResult builds a tool-handler failure result.
func ErrorResult(msg string) *ToolResult { return &ToolResult{ForLLM: msg, IsError: true} }

// ErrWrap builds an error result from a Go error.
func ErrWrap(context string, err error) *ToolResult {
	return &ToolResult{ForLLM: fmt.Sprintf("%s: %v", context, err), IsError: true, Err: err}
}

// SilentResult builds a success result flagged Silent, for text addressed
// to the model only (a recorded thought, lookup results, a specialist's
// answer, or a status line). It does not change what the pipeline sends.
func SilentResult(msg string) *ToolResult { return &ToolResult{ForLLM: msg, Silent: true} }

// Result builds a plain success result.
func Result(msg string) *ToolResult { return &ToolResult{ForLLM: msg} }

// ContextAwareTool is implemented by tools that need to know which
// channel/chat they are currently operating against (e.g. manage_telegram,
// consult_specialist) before Execute is called.
type ContextAwareTool interface {
	SetContext(channel, chatID string)
}

// MetadataAwareTool is implemented by tools that want the inbound message's
// metadata (thread_id, etc.) threaded through, mirroring message.go.
type MetadataAwareTool interface {
	SetMetadata(metadata map[string]string)
}

// Spec is the name/description/JSON-schema triple sent to the inference
// backend for one tool.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Source names where a tool specification originated, for diagnostics only.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceSkill   Source = "skill"
	SourcePlugin  Source = "plugin"
)

// ToolRegistry is the union of built-in, skill-derived, and plugin tools (C5).
// Name collisions across sources are a startup error, matching spec.md's
// "name collision between sources is a startup error".
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	src   map[string]Source
	order []string
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool), src: make(map[string]Source)}
}

// Register adds a tool from the given source. Returns a *beaconerr.Error of
// KindConfiguration on name collision — callers at startup should treat this
// as fatal per spec.md §4.5.
func (r *ToolRegistry) Register(t Tool, source Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return beaconerr.ConfigError(fmt.Sprintf("tool name collision: %q registered by both %s and %s", name, r.src[name], source), nil)
	}
	r.tools[name] = t
	r.src[name] = source
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers a built-in tool, panicking on collision — used at
// process wiring time where a collision is a programming error, not
// configuration-dependent.
func (r *ToolRegistry) MustRegister(t Tool) {
	if err := r.Register(t, SourceBuiltin); err != nil {
		panic(err)
	}
}

// Get resolves a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Remove drops a tool (used when a skill is disabled at runtime).
func (r *ToolRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.src, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Specs returns every registered tool's JSON-schema specification, sorted by
// name for deterministic prompt construction.
func (r *ToolRegistry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	out := make([]Spec, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		out = append(out, Spec{Name: n, Description: t.Description(), Parameters: t.Parameters()})
	}
	return out
}

// SetContext propagates channel/chat scope to every ContextAwareTool.
func (r *ToolRegistry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if ct, ok := t.(ContextAwareTool); ok {
			ct.SetContext(channel, chatID)
		}
	}
}

// SetMetadata propagates inbound metadata to every MetadataAwareTool.
func (r *ToolRegistry) SetMetadata(metadata map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if mt, ok := t.(MetadataAwareTool); ok {
			mt.SetMetadata(metadata)
		}
	}
}

// Execute dispatches to the named tool's handler, returning the string the
// model should see (handler errors become "Error: ..." text rather than a
// Go error) plus the full ToolResult for the caller to inspect Silent/ForUser.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, *ToolResult) {
	t, ok := r.Get(name)
	if !ok {
		res := ErrorResult(fmt.Sprintf("unknown tool %q", name))
		return res.String(), res
	}
	res := t.Execute(ctx, args)
	if res == nil {
		res = Result("")
	}
	return res.String(), res
}
