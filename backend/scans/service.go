// Package scans owns the server side of a body scan: photo intake, the charging submit,
// the worker-facing status changes and the refunding exits.
package scans

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/storage"
	"github.com/ravigill3969/fitscan/backend/store"
)

var (
	ErrNotSubmittable = errors.New("scan is not ready to submit")
	ErrNotUploadable  = errors.New("scan no longer accepts photos")
	ErrNotProcessable = errors.New("scan is not waiting for analysis")
	ErrClosed         = errors.New("scan is already closed")
	ErrInvalidPose    = errors.New("unknown pose")
	ErrPhotoTooLarge  = errors.New("photo exceeds size limit")
	ErrEmptyPhoto     = errors.New("photo is empty")
	ErrPartialUpload  = errors.New("some poses could not be stored")
	ErrInvalidResult  = errors.New("analysis result has no body fat estimate")
	ErrQueueFailed    = errors.New("scan could not be queued")
)

// Enqueuer hands a charged scan to the analysis worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.ScanJob) error
}

// Notifier is told about every committed status change.
type Notifier interface {
	PublishStatus(ctx context.Context, scan *models.ScanSession) error
}

type Options struct {
	MaxPhotoBytes int64
	UploadWorkers int
	Clock         func() time.Time
}

type Service struct {
	store    store.Store
	credits  *credits.Service
	photos   storage.PhotoStore
	queue    Enqueuer
	notifier Notifier
	logger   *zap.Logger

	maxPhotoBytes int64
	uploadWorkers int
	now           func() time.Time
}

func NewService(st store.Store, cs *credits.Service, photos storage.PhotoStore, queue Enqueuer, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	s := &Service{
		store:         st,
		credits:       cs,
		photos:        photos,
		queue:         queue,
		notifier:      notifier,
		logger:        logger,
		maxPhotoBytes: opts.MaxPhotoBytes,
		uploadWorkers: opts.UploadWorkers,
		now:           opts.Clock,
	}
	if s.maxPhotoBytes <= 0 {
		s.maxPhotoBytes = 8 << 20
	}
	if s.uploadWorkers <= 0 {
		s.uploadWorkers = len(models.Poses)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) notify(ctx context.Context, scan *models.ScanSession) {
	if s.notifier == nil || scan == nil {
		return
	}
	if err := s.notifier.PublishStatus(ctx, scan); err != nil {
		s.logger.Warn("scan status publish failed", zap.String("scan_id", scan.ID), zap.Error(err))
	}
}

// Start opens a new uncharged scan.
func (s *Service) Start(ctx context.Context, uid string) (*models.ScanSession, error) {
	now := s.now()
	scan := &models.ScanSession{
		ID:        uuid.NewString(),
		UserID:    uid,
		Status:    models.ScanUploading,
		Poses:     map[models.Pose]models.PosePhoto{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutScan(ctx, scan)
	})
	if err != nil {
		return nil, fmt.Errorf("start scan: %w", err)
	}

	s.logger.Info("scan started", zap.String("uid", uid), zap.String("scan_id", scan.ID))
	s.notify(ctx, scan)
	return scan, nil
}

func (s *Service) Get(ctx context.Context, uid, scanID string) (*models.ScanSession, error) {
	var scan *models.ScanSession
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		scan, err = tx.Scan(ctx, uid, scanID)
		return err
	})
	return scan, err
}

func (s *Service) List(ctx context.Context, uid string, limit int) ([]*models.ScanSession, error) {
	return s.store.ListScans(ctx, uid, limit)
}

type PoseUpload struct {
	Pose        models.Pose
	ContentType string
	Data        []byte
}

type UploadResult struct {
	Scan    *models.ScanSession    `json:"scan"`
	Stored  []models.Pose          `json:"stored"`
	Skipped []models.Pose          `json:"skipped,omitempty"`
	Failed  map[models.Pose]string `json:"failed,omitempty"`
}

func (s *Service) validateUpload(u PoseUpload) error {
	if !models.ValidPose(string(u.Pose)) {
		return fmt.Errorf("%w: %q", ErrInvalidPose, u.Pose)
	}
	if len(u.Data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyPhoto, u.Pose)
	}
	if int64(len(u.Data)) > s.maxPhotoBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrPhotoTooLarge, u.Pose, len(u.Data))
	}
	return storage.ValidateContentType(u.ContentType)
}

func acceptsPhotos(status models.ScanStatus) bool {
	return status == models.ScanUploading || status == models.ScanUploaded
}

// UploadPoses stores each pose independently; a failed pose does not stop the others.
// Re-sending a pose with identical bytes is a no-op. Once all four poses are recorded the
// scan moves to uploaded.
func (s *Service) UploadPoses(ctx context.Context, uid, scanID string, uploads []PoseUpload) (*UploadResult, error) {
	for _, u := range uploads {
		if err := s.validateUpload(u); err != nil {
			return nil, err
		}
	}

	current, err := s.Get(ctx, uid, scanID)
	if err != nil {
		return nil, err
	}
	if !acceptsPhotos(current.Status) {
		return nil, ErrNotUploadable
	}

	result := &UploadResult{Failed: map[models.Pose]string{}}
	stored := make(map[models.Pose]models.PosePhoto)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.uploadWorkers)
	for _, u := range uploads {
		digest := storage.Digest(u.Data)
		if prev, ok := current.Poses[u.Pose]; ok && prev.Digest == digest {
			result.Skipped = append(result.Skipped, u.Pose)
			continue
		}

		g.Go(func() error {
			key := storage.PoseKey(uid, scanID, u.Pose)
			err := s.photos.Put(ctx, key, u.ContentType, u.Data)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("pose store failed",
					zap.String("scan_id", scanID), zap.String("pose", string(u.Pose)), zap.Error(err))
				result.Failed[u.Pose] = "storage unavailable"
				return nil
			}
			stored[u.Pose] = models.PosePhoto{
				ObjectKey:   key,
				ContentType: u.ContentType,
				SizeBytes:   int64(len(u.Data)),
				Digest:      digest,
				UploadedAt:  s.now(),
			}
			return nil
		})
	}
	_ = g.Wait()

	var scan *models.ScanSession
	err = s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		scan, err = tx.Scan(ctx, uid, scanID)
		if err != nil {
			return err
		}
		if !acceptsPhotos(scan.Status) {
			return ErrNotUploadable
		}
		if len(stored) == 0 {
			return nil
		}
		if scan.Poses == nil {
			scan.Poses = map[models.Pose]models.PosePhoto{}
		}
		for pose, photo := range stored {
			scan.Poses[pose] = photo
		}
		if scan.AllPosesPresent() {
			scan.Status = models.ScanUploaded
		}
		scan.UpdatedAt = s.now()
		return tx.PutScan(ctx, scan)
	})
	if err != nil {
		return nil, err
	}

	for pose := range stored {
		result.Stored = append(result.Stored, pose)
	}
	sortPoses(result.Stored)
	sortPoses(result.Skipped)
	result.Scan = scan

	if len(stored) > 0 {
		s.notify(ctx, scan)
	}
	if len(result.Failed) > 0 {
		return result, ErrPartialUpload
	}
	return result, nil
}

func sortPoses(poses []models.Pose) {
	rank := make(map[models.Pose]int, len(models.Poses))
	for i, p := range models.Poses {
		rank[p] = i
	}
	sort.Slice(poses, func(i, j int) bool { return rank[poses[i]] < rank[poses[j]] })
}

// Submit charges one credit and queues the scan in one transaction. When the job cannot be
// queued the charge is refunded and the scan aborted.
func (s *Service) Submit(ctx context.Context, uid, scanID string) (*models.ScanSession, int, error) {
	var (
		scan      *models.ScanSession
		remaining int
	)
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		scan, err = tx.Scan(ctx, uid, scanID)
		if err != nil {
			return err
		}
		if scan.Status != models.ScanUploaded || scan.Charged {
			return ErrNotSubmittable
		}

		ok, left, err := s.credits.ConsumeInTx(ctx, tx, uid)
		if err != nil {
			return err
		}
		if !ok {
			return credits.ErrNoCredits
		}
		remaining = left

		scan.Charged = true
		scan.Status = models.ScanQueued
		scan.Error = ""
		scan.UpdatedAt = s.now()
		return tx.PutScan(ctx, scan)
	})
	if err != nil {
		return nil, 0, err
	}

	s.logger.Info("scan submitted", zap.String("uid", uid), zap.String("scan_id", scanID), zap.Int("remaining", remaining))
	s.notify(ctx, scan)

	if err := s.queue.Enqueue(ctx, models.ScanJob{UserID: uid, ScanID: scanID, Attempt: 1}); err != nil {
		s.logger.Error("scan enqueue failed, refunding", zap.String("scan_id", scanID), zap.Error(err))
		if _, ferr := s.Fail(context.WithoutCancel(ctx), uid, scanID, "could not queue analysis"); ferr != nil {
			s.logger.Error("refund after enqueue failure failed", zap.String("scan_id", scanID), zap.Error(ferr))
		}
		return nil, 0, fmt.Errorf("%w: %w", ErrQueueFailed, err)
	}
	return scan, remaining, nil
}

// MarkProcessing is called by the worker when it picks a job up. A redelivered job may find
// the scan already processing.
func (s *Service) MarkProcessing(ctx context.Context, uid, scanID string) (*models.ScanSession, error) {
	scan, err := s.update(ctx, uid, scanID, func(scan *models.ScanSession) error {
		if scan.Status != models.ScanQueued && scan.Status != models.ScanProcessing {
			return ErrNotProcessable
		}
		scan.Status = models.ScanProcessing
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, scan)
	return scan, nil
}

// Complete records the analysis result. A scan aborted while it was being analysed keeps
// its refund and the result is dropped.
func (s *Service) Complete(ctx context.Context, uid, scanID string, result models.ScanResult) (*models.ScanSession, error) {
	if result.BFPercent == nil {
		return nil, ErrInvalidResult
	}
	scan, err := s.update(ctx, uid, scanID, func(scan *models.ScanSession) error {
		if scan.Status != models.ScanProcessing && scan.Status != models.ScanQueued {
			return ErrClosed
		}
		now := s.now()
		r := result
		scan.Result = &r
		scan.Status = models.ScanComplete
		scan.Error = ""
		scan.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("scan complete", zap.String("uid", uid), zap.String("scan_id", scanID), zap.Float64("bf_percent", *result.BFPercent))
	s.notify(ctx, scan)
	return scan, nil
}

func (s *Service) update(ctx context.Context, uid, scanID string, fn func(*models.ScanSession) error) (*models.ScanSession, error) {
	var scan *models.ScanSession
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		scan, err = tx.Scan(ctx, uid, scanID)
		if err != nil {
			return err
		}
		if err := fn(scan); err != nil {
			return err
		}
		scan.UpdatedAt = s.now()
		return tx.PutScan(ctx, scan)
	})
	return scan, err
}

// Fail ends a scan whose analysis could not produce a result. A charged scan is refunded
// and aborted; an uncharged one is marked error.
func (s *Service) Fail(ctx context.Context, uid, scanID, reason string) (credits.RefundOutcome, error) {
	return s.close(ctx, uid, scanID, reason, models.ScanError)
}

// Abort is the user-facing exit: charged scans are refunded, open uncharged scans are
// closed, completed scans are left alone.
func (s *Service) Abort(ctx context.Context, uid, scanID string) (credits.RefundOutcome, error) {
	out, err := s.close(ctx, uid, scanID, "aborted by user", models.ScanAborted)
	if err != nil {
		return out, err
	}
	if out.Reason != credits.ReasonCompleted {
		s.deletePhotos(ctx, uid, scanID)
	}
	return out, nil
}

// Abandon closes a scan nobody finished. Used by the sweeper.
func (s *Service) Abandon(ctx context.Context, uid, scanID string) (credits.RefundOutcome, error) {
	out, err := s.close(ctx, uid, scanID, "abandoned", models.ScanAborted)
	if err != nil {
		return out, err
	}
	if out.Reason != credits.ReasonCompleted {
		s.deletePhotos(ctx, uid, scanID)
	}
	return out, nil
}

func (s *Service) close(ctx context.Context, uid, scanID, reason string, uncharged models.ScanStatus) (credits.RefundOutcome, error) {
	var (
		out  credits.RefundOutcome
		scan *models.ScanSession
	)
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		scan, err = tx.Scan(ctx, uid, scanID)
		if err != nil {
			return err
		}
		out, err = s.credits.RefundIfNoResultInTx(ctx, tx, uid, scanID, reason)
		if err != nil {
			return err
		}
		if out.Refunded || out.Reason != credits.ReasonNotCharged || scan.Status.Terminal() {
			scan = nil
			return nil
		}
		scan.Status = uncharged
		scan.Error = reason
		scan.UpdatedAt = s.now()
		return tx.PutScan(ctx, scan)
	})
	if err != nil {
		return credits.RefundOutcome{}, err
	}

	s.logger.Info("scan closed",
		zap.String("uid", uid),
		zap.String("scan_id", scanID),
		zap.String("reason", reason),
		zap.Bool("refunded", out.Refunded),
		zap.String("refund_reason", out.Reason))

	if out.Refunded || scan != nil {
		if latest, err := s.Get(ctx, uid, scanID); err == nil {
			s.notify(ctx, latest)
		}
	}
	return out, nil
}

func (s *Service) deletePhotos(ctx context.Context, uid, scanID string) {
	keys := make([]string, 0, len(models.Poses))
	for _, p := range models.Poses {
		keys = append(keys, storage.PoseKey(uid, scanID, p))
	}
	if err := s.photos.Delete(ctx, keys); err != nil {
		s.logger.Warn("pose cleanup failed", zap.String("scan_id", scanID), zap.Error(err))
	}
}

// PoseURLs presigns every recorded pose for the analyzer.
func (s *Service) PoseURLs(scan *models.ScanSession, ttl time.Duration) (map[models.Pose]string, error) {
	urls := make(map[models.Pose]string, len(scan.Poses))
	for _, p := range models.Poses {
		photo, ok := scan.Poses[p]
		if !ok {
			return nil, fmt.Errorf("scan %s is missing pose %s", scan.ID, p)
		}
		url, err := s.photos.PresignGet(photo.ObjectKey, ttl)
		if err != nil {
			return nil, err
		}
		urls[p] = url
	}
	return urls, nil
}
