// Package fsstore is the Firestore implementation of store.Store. Documents live at the
// same paths the mobile and web clients listen on: users/{uid}/private/credits and
// users/{uid}/scans/{scanId}.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

type Store struct {
	client *firestore.Client
}

// New connects to Firestore. An empty credentialsFile uses application default credentials
// (or FIRESTORE_EMULATOR_HOST when set).
func New(ctx context.Context, projectID, credentialsFile string) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) user(uid string) *firestore.DocumentRef {
	return s.client.Collection("users").Doc(uid)
}

func (s *Store) RunTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(ctx, &fsTx{s: s, t: t})
	})
}

func (s *Store) ListScans(ctx context.Context, uid string, limit int) ([]*models.ScanSession, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.user(uid).Collection("scans").OrderBy("createdAt", firestore.Desc).Limit(limit)
	return collect(q.Documents(ctx))
}

func (s *Store) StaleScans(ctx context.Context, statuses []models.ScanStatus, cutoff time.Time, limit int) ([]*models.ScanSession, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	q := s.client.CollectionGroup("scans").
		Where("status", "in", names).
		Where("updatedAt", "<", cutoff).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit)
	return collect(q.Documents(ctx))
}

// PruneOperations needs a collection group index on operations(status, updatedAt).
func (s *Store) PruneOperations(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	it := s.client.CollectionGroup("operations").
		Where("status", "in", []string{string(models.OperationSucceeded), string(models.OperationFailed)}).
		Where("updatedAt", "<", cutoff).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit).
		Documents(ctx)
	defer it.Stop()

	bw := s.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to list operations: %w", err)
		}
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to queue delete of %s: %w", snap.Ref.Path, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	pruned := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return pruned, fmt.Errorf("failed to delete operation: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func collect(it *firestore.DocumentIterator) ([]*models.ScanSession, error) {
	defer it.Stop()
	var out []*models.ScanSession
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read scans: %w", err)
		}
		var sc models.ScanSession
		if err := snap.DataTo(&sc); err != nil {
			return nil, fmt.Errorf("failed to decode scan %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &sc)
	}
}

type fsTx struct {
	s *Store
	t *firestore.Transaction
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (x *fsTx) ledgerRef(uid string) *firestore.DocumentRef {
	return x.s.user(uid).Collection("private").Doc("credits")
}

func (x *fsTx) Ledger(_ context.Context, uid string) (*models.CreditLedger, error) {
	snap, err := x.t.Get(x.ledgerRef(uid))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	var l models.CreditLedger
	if err := snap.DataTo(&l); err != nil {
		return nil, fmt.Errorf("failed to decode ledger: %w", err)
	}
	return &l, nil
}

func (x *fsTx) PutLedger(_ context.Context, uid string, l *models.CreditLedger) error {
	if l.CreditBuckets == nil {
		l.CreditBuckets = []models.CreditBucket{}
	}
	return x.t.Set(x.ledgerRef(uid), l)
}

func (x *fsTx) scanRef(uid, scanID string) *firestore.DocumentRef {
	return x.s.user(uid).Collection("scans").Doc(scanID)
}

func (x *fsTx) Scan(_ context.Context, uid, scanID string) (*models.ScanSession, error) {
	snap, err := x.t.Get(x.scanRef(uid, scanID))
	if notFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan: %w", err)
	}
	var sc models.ScanSession
	if err := snap.DataTo(&sc); err != nil {
		return nil, fmt.Errorf("failed to decode scan: %w", err)
	}
	return &sc, nil
}

func (x *fsTx) PutScan(_ context.Context, sc *models.ScanSession) error {
	return x.t.Set(x.scanRef(sc.UserID, sc.ID), sc)
}

func (x *fsTx) opRef(uid, opID string) *firestore.DocumentRef {
	return x.s.user(uid).Collection("operations").Doc(opID)
}

func (x *fsTx) Operation(_ context.Context, uid, opID string) (*models.OperationRecord, error) {
	snap, err := x.t.Get(x.opRef(uid, opID))
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	var op models.OperationRecord
	if err := snap.DataTo(&op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	return &op, nil
}

func (x *fsTx) PutOperation(_ context.Context, op *models.OperationRecord) error {
	return x.t.Set(x.opRef(op.UserID, op.ID), op)
}

func (x *fsTx) DeleteOperation(_ context.Context, uid, opID string) error {
	return x.t.Delete(x.opRef(uid, opID))
}

func (x *fsTx) eventRef(eventID string) *firestore.DocumentRef {
	return x.s.client.Collection("processedEvents").Doc(eventID)
}

func (x *fsTx) EventProcessed(_ context.Context, eventID string) (bool, error) {
	_, err := x.t.Get(x.eventRef(eventID))
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

func (x *fsTx) MarkEventProcessed(_ context.Context, ev models.ProcessedEvent) error {
	return x.t.Set(x.eventRef(ev.EventID), ev)
}
