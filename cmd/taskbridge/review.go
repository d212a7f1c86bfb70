package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/gap"
	"github.com/basket/taskbridge/internal/generate"
	"github.com/basket/taskbridge/internal/persistence"
	"github.com/basket/taskbridge/internal/pipeline"
	"github.com/basket/taskbridge/internal/review"
	"github.com/basket/taskbridge/internal/semantic"
	"github.com/basket/taskbridge/internal/telemetry"
	"github.com/basket/taskbridge/internal/tui"
	"github.com/mattn/go-isatty"
)

// runReviewCommand opens the store directly and drives the interactive
// review screen. It shares the SQLite file with a running daemon; the
// session lease keeps the two from analyzing the same plan at once.
func runReviewCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskbridge review <plan-id>")
		return 2
	}
	planID := args[0]

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "review requires a terminal; use the HTTP API for scripted flows")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// File-only logs so the review screen stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	client, err := generate.NewClient(ctx, generate.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generator init: %v\n", err)
		return 1
	}

	var scorer semantic.Scorer
	if client.LLMOn() && cfg.LLM.EmbedModel != "" {
		scorer = semantic.NewEmbedScorer(client.Genkit(), cfg.LLM.EmbedModel)
	} else {
		scorer = semantic.NewLexicalScorer()
	}

	pipe := pipeline.New(client, scorer, cfg.Pipeline, logger, nil, nil)
	svc := review.NewService(store, gap.NewDetector(cfg.Detector), pipe,
		nil, logger, nil, cfg.GapTimeout(), cfg.Pipeline.Parallelism)

	if err := tui.Run(ctx, svc, planID); err != nil {
		fmt.Fprintf(os.Stderr, "review: %v\n", err)
		return 1
	}
	return 0
}
