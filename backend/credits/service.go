package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/ledger"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

var (
	ErrNoCredits           = errors.New("no credits")
	ErrMissingUserID       = errors.New("user id is required")
	ErrMissingOperationID  = errors.New("operation id is required")
	ErrOperationExhausted  = errors.New("operation retry limit reached")
	ErrOperationInProgress = errors.New("operation already in progress")
)

// Refund outcome reasons.
const (
	ReasonRefunded   = "refunded"
	ReasonNotCharged = "not_charged"
	ReasonCompleted  = "completed"
)

type Grant struct {
	Amount        int
	ExpiryDays    int
	SourcePriceID string
	Context       string
}

type RefundOutcome struct {
	Refunded bool   `json:"refunded"`
	Reason   string `json:"reason,omitempty"`
}

type Service struct {
	store       store.Store
	logger      *zap.Logger
	now         func() time.Time
	maxAttempts int
}

type Option func(*Service)

// WithClock overrides the wall clock; tests use it to pin expiry boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMaxOperationAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func NewService(st store.Store, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:       st,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Now() time.Time { return s.now() }

// ConsumeCredit deducts one unit. ok is false when the user has no ledger or every bucket is
// empty or expired; that is a business outcome, not an error.
func (s *Service) ConsumeCredit(ctx context.Context, uid string) (ok bool, remaining int, err error) {
	if uid == "" {
		return false, 0, ErrMissingUserID
	}

	err = s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ok, remaining, err = s.ConsumeInTx(ctx, tx, uid)
		return err
	})
	if err != nil {
		return false, 0, fmt.Errorf("consume credit: %w", err)
	}

	s.logger.Info("credit consume",
		zap.String("uid", uid),
		zap.Bool("consumed", ok),
		zap.Int("remaining", remaining))
	return ok, remaining, nil
}

// ConsumeInTx runs the consume step inside a caller's transaction.
func (s *Service) ConsumeInTx(ctx context.Context, tx store.Tx, uid string) (bool, int, error) {
	l, err := tx.Ledger(ctx, uid)
	if err != nil {
		return false, 0, err
	}
	if l == nil {
		return false, 0, nil
	}

	consumed := ledger.Consume(l, s.now())
	if err := tx.PutLedger(ctx, uid, l); err != nil {
		return false, 0, err
	}
	return consumed, l.CreditsSummary.TotalAvailable, nil
}

// GrantCredits appends one bucket. It is not idempotent; webhook callers de-duplicate by
// event id with GrantInTx.
func (s *Service) GrantCredits(ctx context.Context, uid string, g Grant) (int, error) {
	if uid == "" {
		return 0, ErrMissingUserID
	}

	var total int
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		total, err = s.GrantInTx(ctx, tx, uid, g)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}

	s.logger.Info("credits granted",
		zap.String("uid", uid),
		zap.Int("amount", g.Amount),
		zap.Int("expiry_days", g.ExpiryDays),
		zap.String("context", g.Context),
		zap.Int("total", total))
	return total, nil
}

func (s *Service) GrantInTx(ctx context.Context, tx store.Tx, uid string, g Grant) (int, error) {
	now := s.now()
	l, err := tx.Ledger(ctx, uid)
	if err != nil {
		return 0, err
	}
	if l == nil {
		l = ledger.New(now)
	}
	if err := ledger.Grant(l, g.Amount, g.ExpiryDays, g.SourcePriceID, g.Context, now); err != nil {
		return 0, err
	}
	if err := tx.PutLedger(ctx, uid, l); err != nil {
		return 0, err
	}
	return l.CreditsSummary.TotalAvailable, nil
}

// RefundCredit credits back one never-expiring unit tagged with context.
func (s *Service) RefundCredit(ctx context.Context, uid, refundContext string) (int, error) {
	if uid == "" {
		return 0, ErrMissingUserID
	}

	var total int
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		total, err = s.RefundInTx(ctx, tx, uid, refundContext)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("refund credit: %w", err)
	}

	s.logger.Info("credit refunded", zap.String("uid", uid), zap.String("context", refundContext), zap.Int("total", total))
	return total, nil
}

func (s *Service) RefundInTx(ctx context.Context, tx store.Tx, uid, refundContext string) (int, error) {
	now := s.now()
	l, err := tx.Ledger(ctx, uid)
	if err != nil {
		return 0, err
	}
	if l == nil {
		l = ledger.New(now)
	}
	ledger.Refund(l, refundContext, now)
	if err := tx.PutLedger(ctx, uid, l); err != nil {
		return 0, err
	}
	return l.CreditsSummary.TotalAvailable, nil
}

// RefundIfNoResult aborts a scan and returns its credit when it was charged but produced
// no result. The check, the ledger append and the scan update commit together.
func (s *Service) RefundIfNoResult(ctx context.Context, uid, scanID string) (RefundOutcome, error) {
	var out RefundOutcome
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.RefundIfNoResultInTx(ctx, tx, uid, scanID, "")
		return err
	})
	if err != nil {
		return RefundOutcome{}, err
	}

	s.logger.Info("refund check",
		zap.String("uid", uid),
		zap.String("scan_id", scanID),
		zap.Bool("refunded", out.Refunded),
		zap.String("reason", out.Reason))
	return out, nil
}

// RefundIfNoResultInTx is the transactional core of RefundIfNoResult. failure, when set,
// is recorded on the scan as its error.
func (s *Service) RefundIfNoResultInTx(ctx context.Context, tx store.Tx, uid, scanID, failure string) (RefundOutcome, error) {
	scan, err := tx.Scan(ctx, uid, scanID)
	if err != nil {
		return RefundOutcome{}, err
	}

	if !scan.Charged {
		return RefundOutcome{Refunded: false, Reason: ReasonNotCharged}, nil
	}
	if scan.HasResult() {
		return RefundOutcome{Refunded: false, Reason: ReasonCompleted}, nil
	}

	refundContext := ledger.RefundContext(scanID)
	if _, err := s.RefundInTx(ctx, tx, uid, refundContext); err != nil {
		return RefundOutcome{}, err
	}

	now := s.now()
	scan.Charged = false
	scan.Status = models.ScanAborted
	scan.RefundContext = refundContext
	scan.UpdatedAt = now
	if failure != "" {
		scan.Error = failure
	}
	if err := tx.PutScan(ctx, scan); err != nil {
		return RefundOutcome{}, err
	}
	return RefundOutcome{Refunded: true, Reason: ReasonRefunded}, nil
}

// Balance recomputes the summary at read time; the stored projection may be stale
// because buckets age out between writes.
func (s *Service) Balance(ctx context.Context, uid string) (models.CreditsSummary, error) {
	var summary models.CreditsSummary
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.Ledger(ctx, uid)
		if err != nil {
			return err
		}
		now := s.now()
		if l == nil {
			summary = models.CreditsSummary{LastUpdated: now}
			return nil
		}
		summary = models.CreditsSummary{
			TotalAvailable: ledger.TotalAvailable(l.CreditBuckets, now),
			LastUpdated:    now,
		}
		return nil
	})
	if err != nil {
		return models.CreditsSummary{}, fmt.Errorf("load balance: %w", err)
	}
	return summary, nil
}
