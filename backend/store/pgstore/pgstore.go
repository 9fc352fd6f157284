// Package pgstore is the Postgres implementation of store.Store. Documents of the
// credit ledger and scans are kept as JSONB columns so the stored shape matches the
// users/{uid}/... documents one to one.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

const maxTxAttempts = 5

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// RunTx runs fn in a SERIALIZABLE transaction and retries on serialization failures and
// deadlocks, the same way a document database retries an optimistic transaction.
func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.logger.Debug("retrying contended transaction", zap.Int("attempt", attempt), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("transaction aborted after %d attempts: %w", maxTxAttempts, err)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin DB transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func retryable(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *Store) ListScans(ctx context.Context, uid string, limit int) ([]*models.ScanSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []scanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, uid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	return toSessions(rows)
}

func (s *Store) StaleScans(ctx context.Context, statuses []models.ScanStatus, cutoff time.Time, limit int) ([]*models.ScanSession, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	var rows []scanRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, pq.Array(names), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale scans: %w", err)
	}
	return toSessions(rows)
}

func (s *Store) PruneOperations(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_operations
		WHERE (user_id, op_id) IN (
			SELECT user_id, op_id
			FROM user_operations
			WHERE status <> $1 AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		)`, string(models.OperationPending), cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sqlx.Tx
}

type ledgerRow struct {
	CreditBuckets  []byte    `db:"credit_buckets"`
	TotalAvailable int       `db:"total_available"`
	LastUpdated    time.Time `db:"last_updated"`
}

func (t *pgTx) Ledger(ctx context.Context, uid string) (*models.CreditLedger, error) {
	var row ledgerRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT credit_buckets, total_available, last_updated
		FROM credit_ledgers
		WHERE user_id = $1
		FOR UPDATE`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	l := &models.CreditLedger{
		CreditsSummary: models.CreditsSummary{TotalAvailable: row.TotalAvailable, LastUpdated: row.LastUpdated},
	}
	if err := json.Unmarshal(row.CreditBuckets, &l.CreditBuckets); err != nil {
		return nil, fmt.Errorf("failed to decode credit buckets: %w", err)
	}
	return l, nil
}

func (t *pgTx) PutLedger(ctx context.Context, uid string, l *models.CreditLedger) error {
	buckets := l.CreditBuckets
	if buckets == nil {
		buckets = []models.CreditBucket{}
	}
	raw, err := json.Marshal(buckets)
	if err != nil {
		return fmt.Errorf("failed to encode credit buckets: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO credit_ledgers (user_id, credit_buckets, total_available, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET
			credit_buckets = EXCLUDED.credit_buckets,
			total_available = EXCLUDED.total_available,
			last_updated = EXCLUDED.last_updated`,
		uid, raw, l.CreditsSummary.TotalAvailable, l.CreditsSummary.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

const scanColumns = `user_id, scan_id, status, charged, result, poses, error, refund_context, created_at, updated_at, completed_at`

type scanRow struct {
	UserID        string     `db:"user_id"`
	ScanID        string     `db:"scan_id"`
	Status        string     `db:"status"`
	Charged       bool       `db:"charged"`
	Result        []byte     `db:"result"`
	Poses         []byte     `db:"poses"`
	Error         string     `db:"error"`
	RefundContext string     `db:"refund_context"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

func (r scanRow) session() (*models.ScanSession, error) {
	s := &models.ScanSession{
		ID:            r.ScanID,
		UserID:        r.UserID,
		Status:        models.ScanStatus(r.Status),
		Charged:       r.Charged,
		Error:         r.Error,
		RefundContext: r.RefundContext,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		CompletedAt:   r.CompletedAt,
	}
	if len(r.Result) > 0 {
		s.Result = &models.ScanResult{}
		if err := json.Unmarshal(r.Result, s.Result); err != nil {
			return nil, fmt.Errorf("failed to decode scan result: %w", err)
		}
	}
	if len(r.Poses) > 0 {
		if err := json.Unmarshal(r.Poses, &s.Poses); err != nil {
			return nil, fmt.Errorf("failed to decode scan poses: %w", err)
		}
	}
	return s, nil
}

func toSessions(rows []scanRow) ([]*models.ScanSession, error) {
	out := make([]*models.ScanSession, 0, len(rows))
	for _, r := range rows {
		s, err := r.session()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (t *pgTx) Scan(ctx context.Context, uid, scanID string) (*models.ScanSession, error) {
	var row scanRow
	err := t.tx.GetContext(ctx, &row, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE user_id = $1 AND scan_id = $2
		FOR UPDATE`, uid, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan: %w", err)
	}
	return row.session()
}

func (t *pgTx) PutScan(ctx context.Context, s *models.ScanSession) error {
	var result []byte
	if s.Result != nil {
		raw, err := json.Marshal(s.Result)
		if err != nil {
			return fmt.Errorf("failed to encode scan result: %w", err)
		}
		result = raw
	}
	poses := s.Poses
	if poses == nil {
		poses = map[models.Pose]models.PosePhoto{}
	}
	rawPoses, err := json.Marshal(poses)
	if err != nil {
		return fmt.Errorf("failed to encode scan poses: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO scans (`+scanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, scan_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			charged = EXCLUDED.charged,
			result = EXCLUDED.result,
			poses = EXCLUDED.poses,
			error = EXCLUDED.error,
			refund_context = EXCLUDED.refund_context,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		s.UserID, s.ID, string(s.Status), s.Charged, result, rawPoses, s.Error, s.RefundContext,
		s.CreatedAt, s.UpdatedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

func (t *pgTx) Operation(ctx context.Context, uid, opID string) (*models.OperationRecord, error) {
	var op models.OperationRecord
	err := t.tx.GetContext(ctx, &op, `
		SELECT op_id, user_id, status, attempts, last_error, updated_at
		FROM user_operations
		WHERE user_id = $1 AND op_id = $2
		FOR UPDATE`, uid, opID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	return &op, nil
}

func (t *pgTx) PutOperation(ctx context.Context, op *models.OperationRecord) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO user_operations (op_id, user_id, status, attempts, last_error, updated_at)
		VALUES (:op_id, :user_id, :status, :attempts, :last_error, :updated_at)
		ON CONFLICT (user_id, op_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`, op)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteOperation(ctx context.Context, uid, opID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM user_operations WHERE user_id = $1 AND op_id = $2`, uid, opID)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	return nil
}

func (t *pgTx) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, ev models.ProcessedEvent) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, user_id, processed_at)
		VALUES (:event_id, :event_type, :user_id, :processed_at)
		ON CONFLICT (event_id) DO NOTHING`, ev)
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}
	return nil
}
