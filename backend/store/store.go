// Package store defines the transactional persistence boundary shared by the credit
// ledger and the scan pipeline. Backends live in subpackages (pgstore, fsstore) plus the
// in-process Memory store used for development and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ravigill3969/fitscan/backend/models"
)

var ErrNotFound = errors.New("not found")

// Tx is one all-or-nothing unit of work. Implementations that follow the Firestore model
// require every read to happen before the first write, so callers read first.
type Tx interface {
	// Ledger returns nil, nil when the user has no credits document yet.
	Ledger(ctx context.Context, uid string) (*models.CreditLedger, error)
	PutLedger(ctx context.Context, uid string, l *models.CreditLedger) error

	// Scan returns ErrNotFound when the scan does not exist for uid.
	Scan(ctx context.Context, uid, scanID string) (*models.ScanSession, error)
	PutScan(ctx context.Context, s *models.ScanSession) error

	// Operation returns nil, nil when no record exists.
	Operation(ctx context.Context, uid, opID string) (*models.OperationRecord, error)
	PutOperation(ctx context.Context, op *models.OperationRecord) error
	DeleteOperation(ctx context.Context, uid, opID string) error

	EventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, ev models.ProcessedEvent) error
}

type Store interface {
	// RunTx runs fn in a transaction, retrying on contention. fn may run more than once
	// and must not have side effects outside tx.
	RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ListScans returns the user's scans, newest first.
	ListScans(ctx context.Context, uid string, limit int) ([]*models.ScanSession, error)

	// StaleScans returns scans in one of statuses whose last update is before cutoff.
	StaleScans(ctx context.Context, statuses []models.ScanStatus, cutoff time.Time, limit int) ([]*models.ScanSession, error)

	// PruneOperations deletes up to limit succeeded or failed operation records last
	// updated before cutoff and reports how many it removed. Pending records are kept.
	PruneOperations(ctx context.Context, cutoff time.Time, limit int) (int, error)

	Close() error
}
