package main

import (
	"context"
	"fmt"
	"os"

	"github.com/philippgille/chromem-go"
	"github.com/spf13/cobra"

	"github.com/sipeed/beacon/pkg/config"
	"github.com/sipeed/beacon/pkg/logger"
	"github.com/sipeed/beacon/pkg/memory"
	"github.com/sipeed/beacon/pkg/providers"
)

// newBackfillCmd migrates flat session-JSON archives from a prior
// deployment (one file per session key, e.g. "telegram:123456.json",
// holding the raw provider.Message history) into beacon's vector store.
// There is no such archive format in beacon's own SQL-backed storage — a
// running gateway never produces one — so this only matters once, when an
// operator is moving history off a picoclaw-style deployment onto beacon;
// the conversion logic itself (pair each user message with the following
// assistant reply, index the pair, optionally extract facts) is kept as
// the teacher wrote it.
func newBackfillCmd() *cobra.Command {
	var configPath, sessionsDir string
	var extractKnowledge, dryRun bool

	cmd := &cobra.Command{
		Use:   "backfill-memory",
		Short: "One-time import of legacy flat-file session archives into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(configPath, sessionsDir, extractKnowledge, dryRun)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config YAML (env vars override its values)")
	cmd.Flags().StringVar(&sessionsDir, "sessions-dir", "", "Directory of legacy session JSON files to import")
	cmd.Flags().BoolVar(&extractKnowledge, "extract-knowledge", false, "Also run LLM fact extraction over each imported turn (slower, costs inference calls)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print what would be indexed without writing to the vector store")
	cmd.MarkFlagRequired("sessions-dir")
	return cmd
}

func runBackfill(configPath, sessionsDir string, extractKnowledge, dryRun bool) error {
	logger.Init(os.Stderr, "info")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Providers.OpenAIAPIKey == "" {
		return fmt.Errorf("backfill requires an embedding provider; set BEACON_OPENAI_API_KEY")
	}
	model := cfg.Providers.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	embeddingFn := chromem.NewEmbeddingFuncOpenAI(cfg.Providers.OpenAIAPIKey, chromem.EmbeddingModelOpenAI(model))

	store, err := memory.NewVectorStore(cfg.WorkspacePath(), embeddingFn)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}

	var extractor *memory.KnowledgeExtractor
	if extractKnowledge {
		var provider providers.LLMProvider
		if cfg.Providers.AnthropicAPIKey != "" {
			provider = providers.NewClaudeProvider(cfg.Providers.AnthropicAPIKey, cfg.LLMModel)
		} else {
			provider = providers.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, "", cfg.LLMModel)
		}
		extractor = memory.NewKnowledgeExtractor(provider, cfg.LLMModel, store)
	}

	stats, err := memory.Backfill(context.Background(), sessionsDir, store, extractor, memory.BackfillOptions{
		ExtractKnowledge: extractKnowledge,
		DryRun:           dryRun,
	})
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	fmt.Printf("backfill complete: %d/%d sessions, %d turns indexed, %d facts extracted, %d errors\n",
		stats.SessionsProcessed, stats.SessionsTotal, stats.TurnsIndexed, stats.FactsExtracted, stats.Errors)
	return nil
}
