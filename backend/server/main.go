package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ravigill3969/fitscan/backend/analysis"
	"github.com/ravigill3969/fitscan/backend/app"
	"github.com/ravigill3969/fitscan/backend/billing"
	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/handlers"
	"github.com/ravigill3969/fitscan/backend/logger"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
	"github.com/ravigill3969/fitscan/backend/nutrition"
	"github.com/ravigill3969/fitscan/backend/routes"
	"github.com/ravigill3969/fitscan/backend/sweeper"
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

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer deps.Close()

	auth, err := middleware.NewAuthenticator(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	billingSvc := billing.NewService(cfg.Stripe, cfg.Server.FrontendURL, deps.Store, deps.Credits, zl.Named("billing"))
	mux := routes.NewMux(routes.Handlers{
		Credits:   &handlers.CreditsHandler{Credits: deps.Credits},
		Scans:     &handlers.ScanHandler{Scans: deps.Scans, Updates: deps.Queue, MaxPhotoBytes: cfg.Scans.MaxPhotoBytes},
		Stripe:    &handlers.Stripe{Billing: billingSvc},
		Nutrition: &handlers.NutritionHandler{Nutrition: nutrition.NewClient(cfg.Nutrition, deps.Redis, zl.Named("nutrition"))},
		Health:    &handlers.Health{Checks: deps.Checks()},
	}, auth)

	handler := middleware.RequestLogger(zl)(
		middleware.CORS(cfg.Server.FrontendURL)(
			middleware.SetCommonHeaders(
				middleware.GlobalRateLimiter(deps.Redis, cfg.Server.RateLimit)(mux),
			),
		),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.New(deps.Store, deps.Scans, cfg.Scans, zl.Named("sweeper")).Run(ctx)
		return nil
	})
	if cfg.Server.InlineWorker {
		g.Go(func() error {
			return analysis.NewWorker(deps.Queue, deps.Scans, analysis.NewOpenAIAnalyzer(cfg.OpenAI), zl.Named("worker")).Run(ctx)
		})
	}
	g.Go(func() error {
		zl.Info(fmt.Sprintf("server is running on http://localhost:%s", cfg.Server.Port),
			zap.String("store", cfg.Server.StoreBackend),
			zap.Bool("inline_worker", cfg.Server.InlineWorker))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		zl.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
