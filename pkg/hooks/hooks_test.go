package hooks

import (
	"context"
	"errors"
	"testing"
)

func TestManager_RunComposesLastWriterWins(t *testing.T) {
	m := NewManager(map[Point][]string{
		BeforeAgent: {"first", "second"},
	})
	m.Register(FuncHandler{HandlerName: "first", Fn: func(ctx context.Context, hctx Context) (Result, error) {
		return Result{Reply: "from first", SkipAgent: true}, nil
	}})
	m.Register(FuncHandler{HandlerName: "second", Fn: func(ctx context.Context, hctx Context) (Result, error) {
		return Result{Reply: "from second"}, nil
	}})

	res := m.Run(context.Background(), BeforeAgent, Context{})
	if res.Reply != "from second" {
		t.Fatalf("expected last-writer-wins reply, got %q", res.Reply)
	}
	if !res.SkipAgent {
		t.Fatalf("expected SkipAgent to remain true once set by an earlier handler")
	}
}

func TestManager_RunTreatsHandlerErrorAsNoOp(t *testing.T) {
	m := NewManager(map[Point][]string{
		MessageReceived: {"broken"},
	})
	m.Register(FuncHandler{HandlerName: "broken", Fn: func(ctx context.Context, hctx Context) (Result, error) {
		return Result{SkipProcessing: true}, errors.New("boom")
	}})

	res := m.Run(context.Background(), MessageReceived, Context{})
	if res.SkipProcessing {
		t.Fatalf("expected failed handler's result to be discarded")
	}
}

func TestManager_RunUnregisteredHandlerIsSkipped(t *testing.T) {
	m := NewManager(map[Point][]string{
		AfterAgent: {"missing"},
	})
	res := m.Run(context.Background(), AfterAgent, Context{})
	if res.ModifiedResponse != "" {
		t.Fatalf("expected zero-value result, got %+v", res)
	}
}
