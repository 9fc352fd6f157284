// Command ledgerctl is the operator tool for the credit ledger and scans: grants, balance
// checks, refunds, sweeps and test uploads against a running API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/app"
	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(defaultEnv())
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// env resolves configuration and dependencies lazily so commands that need neither
// (upload) never touch the database.
type env struct {
	config func() (*config.Config, error)
	open   func(ctx context.Context, cfg *config.Config) (*app.Deps, func(), error)
}

func defaultEnv() env {
	return env{
		config: config.Load,
		open: func(ctx context.Context, cfg *config.Config) (*app.Deps, func(), error) {
			zl, err := logger.New(cfg.Server.Environment)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to build logger: %w", err)
			}
			zap.ReplaceGlobals(zl)
			deps, err := app.Open(ctx, cfg, zl)
			if err != nil {
				return nil, nil, err
			}
			return deps, func() {
				deps.Close()
				_ = zl.Sync()
			}, nil
		},
	}
}

func (e env) deps(ctx context.Context) (*app.Deps, func(), error) {
	cfg, err := e.config()
	if err != nil {
		return nil, nil, err
	}
	return e.open(ctx, cfg)
}
