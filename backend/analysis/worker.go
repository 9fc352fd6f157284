// Package analysis runs queued scans through the vision analyzer.
package analysis

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/store"
)

type JobSource interface {
	Enqueue(ctx context.Context, job models.ScanJob) error
	Dequeue(ctx context.Context) (*models.ScanJob, error)
	DeadLetter(ctx context.Context, job models.ScanJob, reason string) error
}

type Worker struct {
	jobs     JobSource
	scans    *scans.Service
	analyzer Analyzer
	logger   *zap.Logger

	Concurrency int
	MaxAttempts int
	URLTTL      time.Duration
	IdleBackoff time.Duration
}

func NewWorker(jobs JobSource, svc *scans.Service, analyzer Analyzer, logger *zap.Logger) *Worker {
	return &Worker{
		jobs:        jobs,
		scans:       svc,
		analyzer:    analyzer,
		logger:      logger,
		Concurrency: 2,
		MaxAttempts: 3,
		URLTTL:      15 * time.Minute,
		IdleBackoff: time.Second,
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(w.Concurrency, 1); i++ {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	log := w.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		job, err := w.jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", zap.Error(err))
			pause(ctx, w.IdleBackoff)
			continue
		}
		if job == nil {
			continue
		}
		if err := w.Process(ctx, *job); err != nil {
			log.Error("job failed", zap.String("scan_id", job.ScanID), zap.Error(err))
		}
	}
}

func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Process runs one job. Jobs for scans that were aborted or already finished are dropped.
func (w *Worker) Process(ctx context.Context, job models.ScanJob) error {
	log := w.logger.With(zap.String("uid", job.UserID), zap.String("scan_id", job.ScanID), zap.Int("attempt", job.Attempt))

	scan, err := w.scans.MarkProcessing(ctx, job.UserID, job.ScanID)
	if errors.Is(err, scans.ErrNotProcessable) || errors.Is(err, store.ErrNotFound) {
		log.Info("skipping stale job", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	urls, err := w.scans.PoseURLs(scan, w.URLTTL)
	if err != nil {
		return w.fail(ctx, job, "photos unavailable", err)
	}

	started := time.Now()
	result, err := w.analyzer.Analyze(ctx, urls)
	if err != nil {
		if errors.Is(err, ErrTransient) && job.Attempt < w.MaxAttempts {
			next := job
			next.Attempt++
			log.Warn("analysis retry scheduled", zap.Error(err))
			if qerr := w.jobs.Enqueue(ctx, next); qerr == nil {
				return nil
			}
		}
		return w.fail(ctx, job, "analysis failed", err)
	}

	if _, err := w.scans.Complete(ctx, job.UserID, job.ScanID, result); err != nil {
		if errors.Is(err, scans.ErrClosed) {
			log.Info("scan closed during analysis, result dropped")
			return nil
		}
		return err
	}

	log.Info("analysis complete", zap.Duration("took", time.Since(started)), zap.String("provider", result.Provider))
	return nil
}

func (w *Worker) fail(ctx context.Context, job models.ScanJob, reason string, cause error) error {
	out, err := w.scans.Fail(ctx, job.UserID, job.ScanID, reason)
	if err != nil {
		return err
	}
	w.logger.Warn("scan failed",
		zap.String("scan_id", job.ScanID),
		zap.String("reason", reason),
		zap.Bool("refunded", out.Refunded),
		zap.Error(cause))

	if errors.Is(cause, ErrTransient) {
		if err := w.jobs.DeadLetter(ctx, job, cause.Error()); err != nil {
			w.logger.Error("dead letter failed", zap.String("scan_id", job.ScanID), zap.Error(err))
		}
	}
	return nil
}
