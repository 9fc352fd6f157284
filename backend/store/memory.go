package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ravigill3969/fitscan/backend/models"
)

type scanKey struct{ uid, scanID string }

type opKey struct{ uid, opID string }

// Memory is a process-local Store. Transactions are serialized by a single mutex and
// writes are buffered until fn returns nil.
type Memory struct {
	mu      sync.Mutex
	ledgers map[string]*models.CreditLedger
	scans   map[scanKey]*models.ScanSession
	ops     map[opKey]*models.OperationRecord
	events  map[string]models.ProcessedEvent
}

func NewMemory() *Memory {
	return &Memory{
		ledgers: make(map[string]*models.CreditLedger),
		scans:   make(map[scanKey]*models.ScanSession),
		ops:     make(map[opKey]*models.OperationRecord),
		events:  make(map[string]models.ProcessedEvent),
	}
}

func (m *Memory) RunTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:       m,
		ledgers: make(map[string]*models.CreditLedger),
		scans:   make(map[scanKey]*models.ScanSession),
		ops:     make(map[opKey]*models.OperationRecord),
		deleted: make(map[opKey]bool),
		events:  make(map[string]models.ProcessedEvent),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) ListScans(ctx context.Context, uid string, limit int) ([]*models.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ScanSession
	for k, s := range m.scans {
		if k.uid == uid {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) StaleScans(ctx context.Context, statuses []models.ScanStatus, cutoff time.Time, limit int) ([]*models.ScanSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.ScanStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*models.ScanSession
	for _, s := range m.scans {
		if want[s.Status] && s.UpdatedAt.Before(cutoff) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PruneOperations(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old []*models.OperationRecord
	for _, op := range m.ops {
		if op.Status != models.OperationPending && op.UpdatedAt.Before(cutoff) {
			old = append(old, op)
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].UpdatedAt.Before(old[j].UpdatedAt) })
	if limit > 0 && len(old) > limit {
		old = old[:limit]
	}
	for _, op := range old {
		delete(m.ops, opKey{op.UserID, op.ID})
	}
	return len(old), nil
}

func (m *Memory) Close() error { return nil }

type memTx struct {
	m       *Memory
	ledgers map[string]*models.CreditLedger
	scans   map[scanKey]*models.ScanSession
	ops     map[opKey]*models.OperationRecord
	deleted map[opKey]bool
	events  map[string]models.ProcessedEvent
}

func (t *memTx) Ledger(_ context.Context, uid string) (*models.CreditLedger, error) {
	if l, ok := t.ledgers[uid]; ok {
		return l.Clone(), nil
	}
	return t.m.ledgers[uid].Clone(), nil
}

func (t *memTx) PutLedger(_ context.Context, uid string, l *models.CreditLedger) error {
	t.ledgers[uid] = l.Clone()
	return nil
}

func (t *memTx) Scan(_ context.Context, uid, scanID string) (*models.ScanSession, error) {
	k := scanKey{uid, scanID}
	if s, ok := t.scans[k]; ok {
		return s.Clone(), nil
	}
	if s, ok := t.m.scans[k]; ok {
		return s.Clone(), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutScan(_ context.Context, s *models.ScanSession) error {
	t.scans[scanKey{s.UserID, s.ID}] = s.Clone()
	return nil
}

func (t *memTx) Operation(_ context.Context, uid, opID string) (*models.OperationRecord, error) {
	k := opKey{uid, opID}
	if t.deleted[k] {
		return nil, nil
	}
	if op, ok := t.ops[k]; ok {
		cp := *op
		return &cp, nil
	}
	if op, ok := t.m.ops[k]; ok {
		cp := *op
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) PutOperation(_ context.Context, op *models.OperationRecord) error {
	k := opKey{op.UserID, op.ID}
	cp := *op
	t.ops[k] = &cp
	delete(t.deleted, k)
	return nil
}

func (t *memTx) DeleteOperation(_ context.Context, uid, opID string) error {
	k := opKey{uid, opID}
	delete(t.ops, k)
	t.deleted[k] = true
	return nil
}

func (t *memTx) EventProcessed(_ context.Context, eventID string) (bool, error) {
	if _, ok := t.events[eventID]; ok {
		return true, nil
	}
	_, ok := t.m.events[eventID]
	return ok, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, ev models.ProcessedEvent) error {
	t.events[ev.EventID] = ev
	return nil
}

func (t *memTx) commit() {
	for uid, l := range t.ledgers {
		t.m.ledgers[uid] = l
	}
	for k, s := range t.scans {
		t.m.scans[k] = s
	}
	for k := range t.deleted {
		delete(t.m.ops, k)
	}
	for k, op := range t.ops {
		t.m.ops[k] = op
	}
	for id, ev := range t.events {
		t.m.events[id] = ev
	}
}
