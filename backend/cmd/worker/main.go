// Command worker consumes queued scans and runs the photo analysis.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/analysis"
	"github.com/ravigill3969/fitscan/backend/app"
	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %s", err)
	}
	zl, err := logger.New(cfg.Server.Environment)
	if err != nil {
		log.Fatalf("Error building logger: %s", err)
	}
	defer zl.Sync()
	zap.ReplaceGlobals(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open dependencies", zap.Error(err))
	}
	defer deps.Close()

	if cfg.OpenAI.APIKey == "" {
		zl.Fatal("OPENAI_API_KEY is required")
	}
	analyzer := analysis.NewOpenAIAnalyzer(cfg.OpenAI)
	worker := analysis.NewWorker(deps.Queue, deps.Scans, analyzer, zl.Named("worker"))

	zl.Info("worker started", zap.String("analyzer", analyzer.Name()), zap.Int("concurrency", worker.Concurrency))
	if err := worker.Run(ctx); err != nil {
		zl.Error("worker stopped", zap.Error(err))
	}
	zl.Info("worker stopped")
}
