package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

// A pending record older than this belongs to a run that died before recording its outcome.
const pendingLease = 5 * time.Minute

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an action error as not worth retrying within the current call. The
// record is still marked failed, so a later call with the same id may try again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RunUserOperation runs action at most once successfully per (uid, opID).
//
// Each call walks the record through pending -> succeeded | failed. A failed record is
// retried until its attempt counter reaches the configured ceiling, after which every call
// returns ErrOperationExhausted until ResetOperation clears it.
func (s *Service) RunUserOperation(ctx context.Context, uid, opID string, action func(ctx context.Context) error) (*models.OperationRecord, error) {
	if uid == "" {
		return nil, ErrMissingUserID
	}
	if opID == "" {
		return nil, ErrMissingOperationID
	}

	for {
		rec, run, err := s.claimOperation(ctx, uid, opID)
		if err != nil {
			return rec, err
		}
		if !run {
			return rec, nil
		}

		actionErr := action(ctx)

		rec, err = s.finishOperation(ctx, uid, opID, actionErr)
		if err != nil {
			return rec, err
		}
		if actionErr == nil {
			return rec, nil
		}

		s.logger.Warn("user operation failed",
			zap.String("uid", uid),
			zap.String("op_id", opID),
			zap.Int("attempt", rec.Attempts),
			zap.Error(actionErr))

		if isPermanent(actionErr) {
			return rec, actionErr
		}
		if rec.Attempts >= s.maxAttempts {
			return rec, fmt.Errorf("%w: %w", ErrOperationExhausted, actionErr)
		}
		if err := ctx.Err(); err != nil {
			return rec, err
		}
	}
}

// claimOperation moves the record to pending. run is false when the operation already
// succeeded.
func (s *Service) claimOperation(ctx context.Context, uid, opID string) (*models.OperationRecord, bool, error) {
	var (
		rec *models.OperationRecord
		run bool
	)
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.now()
		existing, err := tx.Operation(ctx, uid, opID)
		if err != nil {
			return err
		}

		attempts := 0
		if existing != nil {
			switch existing.Status {
			case models.OperationSucceeded:
				rec, run = existing, false
				return nil
			case models.OperationPending:
				if now.Sub(existing.UpdatedAt) < pendingLease {
					rec = existing
					return ErrOperationInProgress
				}
			}
			if existing.Attempts >= s.maxAttempts {
				rec = existing
				return ErrOperationExhausted
			}
			attempts = existing.Attempts
		}

		rec = &models.OperationRecord{
			ID:        opID,
			UserID:    uid,
			Status:    models.OperationPending,
			Attempts:  attempts + 1,
			UpdatedAt: now,
		}
		if existing != nil {
			rec.LastError = existing.LastError
		}
		run = true
		return tx.PutOperation(ctx, rec)
	})
	return rec, run, err
}

func (s *Service) finishOperation(ctx context.Context, uid, opID string, actionErr error) (*models.OperationRecord, error) {
	var rec *models.OperationRecord
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.Operation(ctx, uid, opID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("operation %s vanished while running", opID)
		}

		rec = existing
		rec.UpdatedAt = s.now()
		if actionErr != nil {
			rec.Status = models.OperationFailed
			rec.LastError = actionErr.Error()
		} else {
			rec.Status = models.OperationSucceeded
			rec.LastError = ""
		}
		return tx.PutOperation(ctx, rec)
	})
	if err != nil {
		return rec, fmt.Errorf("record operation outcome: %w", err)
	}
	return rec, nil
}

// ResetOperation deletes the record so an exhausted or stuck operation can run again.
func (s *Service) ResetOperation(ctx context.Context, uid, opID string) error {
	if opID == "" {
		return ErrMissingOperationID
	}
	return s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.Operation(ctx, uid, opID)
		if err != nil {
			return err
		}
		if existing == nil {
			return store.ErrNotFound
		}
		return tx.DeleteOperation(ctx, uid, opID)
	})
}
