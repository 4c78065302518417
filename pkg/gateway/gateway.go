// Package gateway implements the Gateway Supervisor (C12): the process
// wiring that turns a loaded config.Config into a running set of connected
// channel adapters, each backed by its own pkg/pipeline.Pipeline, plus the
// admin HTTP surface and a clean shutdown path.
//
// Grounded on the teacher's pkg/agent/loop.go NewAgentLoop — the same
// "resolve an embedding function, conditionally build a vector store,
// build a tool registry, build the agent" sequence, generalized here to
// cover every channel adapter and gateway-scoped dependency rather than
// one fixed agent loop.
package gateway

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/sipeed/beacon/pkg/bus"
	"github.com/sipeed/beacon/pkg/channels"
	"github.com/sipeed/beacon/pkg/compactor"
	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/contextbuilder"
	"github.com/sipeed/beacon/pkg/gatewaymetrics"
	"github.com/sipeed/beacon/pkg/hooks"
	"github.com/sipeed/beacon/pkg/httpapi"
	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/media"
	"github.com/sipeed/beacon/pkg/memory"
	"github.com/sipeed/beacon/pkg/memoryindex"
	"github.com/sipeed/beacon/pkg/metrics"
	"github.com/sipeed/beacon/pkg/pairing"
	"github.com/sipeed/beacon/pkg/pipeline"
	"github.com/sipeed/beacon/pkg/providers"
	"github.com/sipeed/beacon/pkg/skills"
	"github.com/sipeed/beacon/pkg/specialists"
	"github.com/sipeed/beacon/pkg/state"
	"github.com/sipeed/beacon/pkg/storage"
	"github.com/sipeed/beacon/pkg/tools"
)

// Gateway owns every long-lived component for one running process:
// storage, the channel registry, one pipeline per connected channel, and
// the admin HTTP server.
type Gateway struct {
	cfg      *config.Config
	store    *storage.Store
	registry *channels.Registry
	server   *httpapi.Server
	pipelines map[string]*pipeline.Pipeline

	specialistLoader *specialists.SpecialistLoader
	vectorStore      *memory.VectorStore
	provider         providers.LLMProvider

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds every gateway-scoped dependency from cfg but does not yet
// connect any channel or start the HTTP server; call Run for that.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	if err := os.MkdirAll(cfg.WorkspacePath(), 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	store, err := storage.Open(ctx, storage.Options{Dialect: storage.DialectSQLite, DSN: cfg.DBPath()})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	gwMetrics := gatewaymetrics.New(cfg.MetricsEnabled)

	provider := resolveProvider(cfg)

	relationStore := memory.NewRelationStore(cfg.WorkspacePath())

	embeddingFn := resolveEmbeddingFunc(cfg)
	var index *memoryindex.Index
	var vectorStore *memory.VectorStore
	var extractor *memory.KnowledgeExtractor
	if embeddingFn != nil {
		idx, err := memoryindex.New(cfg.WorkspacePath(), store, embeddingFn)
		if err != nil {
			logger.WarnCF("gateway", "memory index init failed, semantic memory disabled", map[string]interface{}{"error": err.Error()})
		} else {
			index = idx
		}
		vs, err := memory.NewVectorStore(cfg.WorkspacePath(), embeddingFn)
		if err != nil {
			logger.WarnCF("gateway", "vector store init failed, specialist knowledge disabled", map[string]interface{}{"error": err.Error()})
		} else {
			vectorStore = vs
			extractor = memory.NewKnowledgeExtractor(provider, cfg.LLMModel, vs).WithRelations(relationStore)
		}
	} else {
		logger.InfoCF("gateway", "no embedding credentials configured, semantic memory disabled", nil)
	}

	skillLoader := skills.NewLoader(cfg.WorkspacePath()+"/skills", nil, nil)
	if _, err := skills.Sync(ctx, store.Skills, skillLoader, storage.PriorityStandard); err != nil {
		logger.WarnCF("gateway", "skill sync failed", map[string]interface{}{"error": err.Error()})
	}
	promptProvider := skills.NewPromptProvider(store.Skills, skills.DefaultHostEnv(), nil)

	builder := contextbuilder.New(store, index, nil, promptProvider, nil, nil, contextbuilder.DefaultBudget(), gwMetrics, relationStore)

	gate := pairing.New(cfg.DmPolicy, store.Pairings)

	hookPoints := map[hooks.Point][]string{
		hooks.MessageReceived: cfg.Hooks.MessageReceived,
		hooks.BeforeAgent:     cfg.Hooks.BeforeAgent,
		hooks.AfterAgent:      cfg.Hooks.AfterAgent,
	}
	hookMgr := hooks.NewManager(hookPoints)

	comp := compactor.New(store, provider, compactor.Config{
		Threshold: cfg.CompactThreshold, Fraction: cfg.CompactFraction,
		Model: cfg.LLMModel, Timeout: 60 * time.Second, FlushMemory: cfg.CompactFlushMemory,
	}, extractor, index)

	var publisher *bus.EventPublisher
	if cfg.Events.Host != "" {
		publisher = bus.NewEventPublisher(bus.EventPublisherConfig{
			BaseURL:  fmt.Sprintf("http://%s:%d", cfg.Events.Host, cfg.Events.HTTPPort),
			Username: cfg.Events.Username,
			Password: cfg.Events.Password,
		})
	}

	attachProc := media.NewDefaultAttachmentProcessor()

	tracker := metrics.NewTracker(cfg.WorkspacePath())

	msgBus := bus.New(bus.DefaultCapacity)
	reg := channels.NewRegistry()
	inbound := wireChannels(cfg, msgBus, reg)

	specialistLoader := specialists.NewSpecialistLoader(cfg.WorkspacePath())
	topicMappings := state.NewTopicMappingStore(cfg.WorkspacePath())

	registry := buildToolRegistry(store, index, embeddingFn, vectorStore, msgBus, reg, specialistLoader, topicMappings, provider, extractor, cfg)

	server := httpapi.NewServer(httpapi.Config{AdminAPIKey: cfg.AdminAPIKey, Port: cfg.Port}, store, reg, gwMetrics, tracker)

	gw := &Gateway{
		cfg: cfg, store: store, registry: reg, server: server, pipelines: make(map[string]*pipeline.Pipeline),
		specialistLoader: specialistLoader, vectorStore: vectorStore, provider: provider,
	}

	pCfg := pipeline.DefaultConfig(cfg.LLMModel, cfg.Persona, cfg.Events.OrganizationID)
	for _, ch := range reg.All() {
		gw.pipelines[ch.Name()] = pipeline.New(ch, msgBus, store, gate, builder, registry, provider, hookMgr, comp, attachProc, publisher, tracker, gwMetrics, pCfg)
	}
	_ = inbound // retained: each adapter was constructed with its own raw channel, forwarded into msgBus by wireChannels.

	return gw, nil
}

// Run connects every configured channel, starts the admin HTTP server, and
// runs each channel's pipeline until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	if err := g.registry.ConnectAll(runCtx); err != nil {
		cancel()
		return fmt.Errorf("connecting channels: %w", err)
	}

	for name, p := range g.pipelines {
		g.wg.Add(1)
		go func(name string, p *pipeline.Pipeline) {
			defer g.wg.Done()
			p.Run(runCtx)
		}(name, p)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.server.Start(); err != nil {
			logger.ErrorCF("gateway", "admin server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	if g.vectorStore != nil {
		g.wg.Add(1)
		go g.runSpecialistReviews(runCtx)
	}

	<-runCtx.Done()
	return nil
}

// runSpecialistReviews periodically asks every specialist with accumulated
// knowledge to reflect on its recent consultations and append self-improvement
// notes to its own LEARNINGS.md, mirroring the teacher's email.Monitor: a
// ticker-driven loop that runs once immediately on start, then on a fixed
// interval until the gateway shuts down.
func (g *Gateway) runSpecialistReviews(ctx context.Context) {
	defer g.wg.Done()

	const reviewInterval = 6 * time.Hour
	review := func() {
		specialists.ReviewAllSpecialists(ctx, g.specialistLoader, g.provider, g.cfg.LLMModel, g.vectorStore, g.cfg.WorkspacePath())
	}

	review()

	ticker := time.NewTicker(reviewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			review()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown disconnects every channel, stops the admin server with a bounded
// deadline, and waits for in-flight pipeline processing to drain.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	g.registry.DisconnectAll(ctx, func(name string, err error) {
		logger.WarnCF("gateway", "disconnect failed", map[string]interface{}{"channel": name, "error": err.Error()})
	})
	if err := g.server.Shutdown(ctx); err != nil {
		logger.WarnCF("gateway", "admin server shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.WarnCF("gateway", "shutdown deadline exceeded, some goroutines may still be running", nil)
	}
	return g.store.Close()
}

// wireChannels constructs every configured channel adapter, registers it,
// and forwards its raw inbound channel onto msgBus.PublishInbound — the
// bridge every adapter needs since each is built around a plain
// chan<- bus.IncomingMessage rather than a *bus.Bus reference.
func wireChannels(cfg *config.Config, msgBus *bus.Bus, reg *channels.Registry) map[string]chan bus.IncomingMessage {
	raw := make(map[string]chan bus.IncomingMessage)

	register := func(name string, ch channels.Channel, in chan bus.IncomingMessage) {
		raw[name] = in
		reg.Register(ch)
		go forward(name, in, msgBus)
	}

	if cfg.Channels.Telegram.BotToken != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("telegram", channels.NewTelegramChannel(cfg.Channels.Telegram, in), in)
	}
	if cfg.Channels.Discord.BotToken != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("discord", channels.NewDiscordChannel(cfg.Channels.Discord, in), in)
	}
	if cfg.Channels.Slack.BotToken != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("slack", channels.NewSlackChannel(cfg.Channels.Slack, in), in)
	}
	if cfg.Channels.Lark.AppID != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("lark", channels.NewLarkChannel(cfg.Channels.Lark, in), in)
	}
	if cfg.Channels.DingTalk.ClientID != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("dingtalk", channels.NewDingTalkChannel(cfg.Channels.DingTalk, in), in)
	}
	if cfg.Channels.Tencent.AppID != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("tencent", channels.NewTencentChannel(cfg.Channels.Tencent, in), in)
	}
	if cfg.Channels.MSTeams.ClientID != "" {
		in := make(chan bus.IncomingMessage, bus.DefaultCapacity)
		register("msteams", channels.NewMSTeamsChannel(cfg.Channels.MSTeams, in), in)
	}

	return raw
}

func forward(channel string, in <-chan bus.IncomingMessage, b *bus.Bus) {
	for msg := range in {
		b.PublishInbound(channel, msg)
	}
}

// buildToolRegistry assembles the shared tool registry every pipeline's
// tool loop draws from, grounded on the teacher's createToolRegistry: a
// fixed core (think, memory store/recall/forget, session list/history,
// link_topic) plus the message tool wired to the channel registry so a
// tool-initiated send reaches the right adapter. Memory search is added
// only when an embedding-backed vector store exists.
//
// The specialist tools (consult/create/feed) are registered here too,
// conditional on a vector store and a knowledge extractor, like memory
// search: a specialist without scoped knowledge to draw on or file
// to extract into isn't useful, so there's no point exposing the surface
// when semantic memory itself is disabled. ConsultSpecialistTool is handed
// the very registry it is being added to — its nested tool loop runs
// against the same core tools (think, memory search, message) a top-level
// turn would use, so a specialist can still think and answer through the
// channel it was consulted from.
func buildToolRegistry(
	store *storage.Store,
	index *memoryindex.Index,
	embeddingFn chromem.EmbeddingFunc,
	vectorStore *memory.VectorStore,
	msgBus *bus.Bus,
	reg *channels.Registry,
	specialistLoader *specialists.SpecialistLoader,
	topicMappings *state.TopicMappingStore,
	provider providers.LLMProvider,
	extractor *memory.KnowledgeExtractor,
	cfg *config.Config,
) *tools.ToolRegistry {
	registry := tools.NewToolRegistry()
	registry.MustRegister(tools.NewThinkTool())

	if vectorStore != nil {
		registry.MustRegister(tools.NewMemorySearchTool(vectorStore))
	}

	registry.MustRegister(tools.NewMemoryStoreTool(store, index, embeddingFn))
	registry.MustRegister(tools.NewMemoryRecallTool(store, index, embeddingFn))
	registry.MustRegister(tools.NewMemoryForgetTool(store))
	registry.MustRegister(tools.NewSessionListTool(store))
	registry.MustRegister(tools.NewSessionHistoryTool(store))

	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string, metadata map[string]string) error {
		ch := reg.Get(channel)
		if ch == nil {
			return fmt.Errorf("message tool: unknown channel %q", channel)
		}
		return ch.Send(context.Background(), bus.OutgoingMessage{ChannelID: chatID, Content: content, ThreadID: metadata["thread_id"]})
	})
	registry.MustRegister(messageTool)

	registry.MustRegister(tools.NewLinkTopicTool(topicMappings, specialistLoader))

	if tg, ok := reg.Get("telegram").(*channels.TelegramChannel); ok {
		registry.MustRegister(tools.NewManageTelegramTool(tg.Bot))
	}

	if vectorStore != nil && extractor != nil {
		registry.MustRegister(tools.NewConsultSpecialistTool(tools.ConsultSpecialistConfig{
			Loader:      specialistLoader,
			Provider:    provider,
			Model:       cfg.LLMModel,
			Tools:       registry,
			VectorStore: vectorStore,
			Extractor:   extractor,
			MaxIter:     6,
			Workspace:   cfg.WorkspacePath(),
		}))
		registry.MustRegister(tools.NewCreateSpecialistTool(specialistLoader, provider, cfg.LLMModel, cfg.WorkspacePath(), extractor, vectorStore))
		registry.MustRegister(tools.NewFeedSpecialistTool(specialistLoader, vectorStore, extractor))
	}

	return registry
}

// resolveProvider picks the inference backend per config, falling back to
// an OpenAI-compatible provider when no Anthropic key is configured and
// wrapping both in a FallbackProvider when both are available, matching
// SPEC_FULL.md's Open Question Decision on provider selection.
func resolveProvider(cfg *config.Config) providers.LLMProvider {
	var primary, secondary providers.LLMProvider
	if cfg.Providers.AnthropicAPIKey != "" {
		primary = providers.NewClaudeProvider(cfg.Providers.AnthropicAPIKey, cfg.LLMModel)
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		openaiProvider := providers.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, "", cfg.LLMModel)
		if primary == nil {
			primary = openaiProvider
		} else {
			secondary = openaiProvider
		}
	}
	if primary == nil {
		logger.WarnCF("gateway", "no inference credentials configured", nil)
		return providers.NewClaudeProvider("", cfg.LLMModel)
	}
	if secondary != nil {
		return providers.NewFallbackProvider(primary, secondary, cfg.LLMModel, cfg.LLMModel)
	}
	return primary
}

// resolveEmbeddingFunc mirrors the teacher's resolveEmbeddingFunc: an
// OpenAI-keyed embedding function if available, else nil (semantic memory
// disabled rather than erroring the whole gateway).
func resolveEmbeddingFunc(cfg *config.Config) chromem.EmbeddingFunc {
	if cfg.Providers.OpenAIAPIKey == "" {
		return nil
	}
	model := cfg.Providers.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	return chromem.NewEmbeddingFuncOpenAI(cfg.Providers.OpenAIAPIKey, chromem.EmbeddingModelOpenAI(model))
}
