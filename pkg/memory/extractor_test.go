package memory

import (
	"context"
	"testing"

	"github.com/sipeed/beacon/pkg/providers"
)

// queuedProvider returns its canned responses in order, one per Chat call,
// repeating the last one once the queue is drained.
type queuedProvider struct {
	responses []string
	calls     int
}

func (q *queuedProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	i := q.calls
	if i >= len(q.responses) {
		i = len(q.responses) - 1
	}
	q.calls++
	return &providers.LLMResponse{Content: q.responses[i], FinishReason: "stop"}, nil
}

func (q *queuedProvider) GetDefaultModel() string { return "test-model" }

func newTestVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	vs, err := NewVectorStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("opening vector store: %v", err)
	}
	return vs
}

func TestExtractAndConsolidate_AddsNewFact(t *testing.T) {
	vs := newTestVectorStore(t)
	provider := &queuedProvider{responses: []string{
		`[{"fact": "User is a student at QMUL", "category": "biographical"}]`,
	}}
	ke := NewKnowledgeExtractor(provider, "test-model", vs)

	// ExtractAndConsolidate is fire-and-forget (logs, never returns an
	// error), so the observable contract here is "one fact in, exactly one
	// LLM call made, no panic" rather than asserting on the embedding
	// pipeline's own search ranking.
	ke.ExtractAndConsolidate(context.Background(), "I study at QMUL", "Got it, noted.", "session-1", "", KnowledgeIndexOpts{})

	if provider.calls != 1 {
		t.Fatalf("expected exactly 1 LLM call (fact extraction, no similar facts to consolidate), got %d", provider.calls)
	}
}

func TestExtractAndConsolidate_SkipsShortMessages(t *testing.T) {
	vs := newTestVectorStore(t)
	provider := &queuedProvider{responses: []string{`[]`}}
	ke := NewKnowledgeExtractor(provider, "test-model", vs)

	// Under the 10-rune floor in extractFacts — should never reach the LLM.
	ke.ExtractAndConsolidate(context.Background(), "hi", "hello", "session-1", "", KnowledgeIndexOpts{})

	if provider.calls != 0 {
		t.Fatalf("expected no LLM calls for a trivially short message, got %d", provider.calls)
	}
}

func TestExtractAndConsolidate_RelationshipFactPersistsTriple(t *testing.T) {
	vs := newTestVectorStore(t)
	relations := NewRelationStore(t.TempDir())
	provider := &queuedProvider{responses: []string{
		`[{"fact": "Charlie manages the venue booking", "category": "relationship"}]`,
		`{"subject": "Charlie", "predicate": "manages", "object": "the venue booking"}`,
	}}
	ke := NewKnowledgeExtractor(provider, "test-model", vs).WithRelations(relations)

	ke.ExtractAndConsolidate(context.Background(), "Charlie is managing the venue booking now", "Noted.", "session-1", "", KnowledgeIndexOpts{})

	results := relations.Query("Charlie")
	if len(results) != 1 {
		t.Fatalf("expected 1 persisted relation, got %d", len(results))
	}
	if results[0].Predicate != "manages" || results[0].Object != "the venue booking" {
		t.Fatalf("unexpected relation: %+v", results[0])
	}
}

func TestExtractAndConsolidate_WithoutRelationsSkipsExtraction(t *testing.T) {
	vs := newTestVectorStore(t)
	provider := &queuedProvider{responses: []string{
		`[{"fact": "Charlie manages the venue booking", "category": "relationship"}]`,
	}}
	// No WithRelations call: relation extraction must not run, so the
	// provider should only ever see the fact-extraction call.
	ke := NewKnowledgeExtractor(provider, "test-model", vs)

	ke.ExtractAndConsolidate(context.Background(), "Charlie is managing the venue booking now", "Noted.", "session-1", "", KnowledgeIndexOpts{})

	if provider.calls != 1 {
		t.Fatalf("expected exactly 1 LLM call without a relation store configured, got %d", provider.calls)
	}
}
