// Package sweeper closes scans that were left open, refunding any charge that never
// produced a result and removing their photos. It also drops finished user operation
// records once they are past their replay window.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/store"
)

var openStatuses = []models.ScanStatus{
	models.ScanUploading,
	models.ScanUploaded,
	models.ScanQueued,
	models.ScanProcessing,
}

type Report struct {
	Abandoned        int `json:"abandoned"`
	Refunded         int `json:"refunded"`
	Failed           int `json:"failed"`
	PrunedOperations int `json:"prunedOperations"`
}

type Sweeper struct {
	store  store.Store
	scans  *scans.Service
	logger *zap.Logger

	AbandonAfter       time.Duration
	OperationRetention time.Duration
	Every              time.Duration
	BatchSize          int
	Now                func() time.Time
}

func New(st store.Store, svc *scans.Service, cfg config.ScanConfig, logger *zap.Logger) *Sweeper {
	s := &Sweeper{
		store:              st,
		scans:              svc,
		logger:             logger,
		AbandonAfter:       cfg.AbandonAfter,
		OperationRetention: cfg.OperationRetention,
		Every:              cfg.SweepEvery,
		BatchSize:          200,
		Now:                func() time.Time { return time.Now().UTC() },
	}
	if s.AbandonAfter <= 0 {
		s.AbandonAfter = 6 * time.Hour
	}
	if s.OperationRetention <= 0 {
		s.OperationRetention = 7 * 24 * time.Hour
	}
	if s.Every <= 0 {
		s.Every = 30 * time.Minute
	}
	return s
}

// SweepOnce abandons one batch of stale scans and prunes one batch of expired operation
// records. A scan that fails to close is counted and left for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var rep Report
	if err := s.abandonStale(ctx, &rep); err != nil {
		return rep, err
	}

	pruned, err := s.store.PruneOperations(ctx, s.Now().Add(-s.OperationRetention), s.BatchSize)
	if err != nil {
		return rep, err
	}
	rep.PrunedOperations = pruned
	if pruned > 0 {
		s.logger.Info("expired operations pruned", zap.Int("pruned", pruned))
	}
	return rep, nil
}

func (s *Sweeper) abandonStale(ctx context.Context, rep *Report) error {
	cutoff := s.Now().Add(-s.AbandonAfter)
	stale, err := s.store.StaleScans(ctx, openStatuses, cutoff, s.BatchSize)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		s.logger.Debug("no stale scans")
		return nil
	}

	for _, scan := range stale {
		out, err := s.scans.Abandon(ctx, scan.UserID, scan.ID)
		if err != nil {
			rep.Failed++
			s.logger.Error("failed to abandon scan",
				zap.String("uid", scan.UserID),
				zap.String("scan_id", scan.ID),
				zap.Error(err))
			continue
		}
		rep.Abandoned++
		if out.Refunded {
			rep.Refunded++
		}
	}

	s.logger.Info("stale scans swept",
		zap.Int("abandoned", rep.Abandoned),
		zap.Int("refunded", rep.Refunded),
		zap.Int("failed", rep.Failed))
	return nil
}

// Run sweeps immediately and then every s.Every until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Every)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
