// Package ledger implements expiring-bucket credit arithmetic. Every function here is
// pure: callers supply the clock and run the result inside a store transaction.
package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/ravigill3969/fitscan/backend/models"
)

var ErrInvalidAmount = errors.New("grant amount must be positive")

// New returns an empty ledger, used when a user has no credits document yet.
func New(now time.Time) *models.CreditLedger {
	return &models.CreditLedger{
		CreditBuckets:  []models.CreditBucket{},
		CreditsSummary: models.CreditsSummary{TotalAvailable: 0, LastUpdated: now},
	}
}

// ActiveBuckets returns the buckets that have not expired at now.
func ActiveBuckets(buckets []models.CreditBucket, now time.Time) []models.CreditBucket {
	out := make([]models.CreditBucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Expired(now) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// SortForConsumption orders buckets soonest-to-expire first; never-expiring buckets go last.
func SortForConsumption(buckets []models.CreditBucket) {
	sort.SliceStable(buckets, func(i, j int) bool {
		a, b := buckets[i].ExpiresAt, buckets[j].ExpiresAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
}

// TotalAvailable sums the amounts of non-expired buckets.
func TotalAvailable(buckets []models.CreditBucket, now time.Time) int {
	total := 0
	for _, b := range buckets {
		if b.Expired(now) || b.Amount < 0 {
			continue
		}
		total += b.Amount
	}
	return total
}

// Recompute refreshes the cached summary from the live bucket list.
func Recompute(l *models.CreditLedger, now time.Time) {
	l.CreditsSummary = models.CreditsSummary{
		TotalAvailable: TotalAvailable(l.CreditBuckets, now),
		LastUpdated:    now,
	}
}

// Consume drops expired buckets, then takes one unit from the first non-empty bucket in
// expiry order. It reports whether a unit was taken. The ledger is rewritten either way,
// so expired buckets are cleaned up even when nothing could be consumed.
func Consume(l *models.CreditLedger, now time.Time) bool {
	if l == nil {
		return false
	}

	buckets := ActiveBuckets(l.CreditBuckets, now)
	SortForConsumption(buckets)

	consumed := false
	for i := range buckets {
		if buckets[i].Amount > 0 {
			buckets[i].Amount--
			consumed = true
			break
		}
	}

	l.CreditBuckets = buckets
	Recompute(l, now)
	return consumed
}

// Grant appends one bucket. expiryDays <= 0 grants credits that never expire.
func Grant(l *models.CreditLedger, amount, expiryDays int, sourcePriceID, context string, now time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	bucket := models.CreditBucket{
		Amount:    amount,
		GrantedAt: now,
	}
	if expiryDays > 0 {
		exp := now.AddDate(0, 0, expiryDays)
		bucket.ExpiresAt = &exp
	}
	if sourcePriceID != "" {
		bucket.SourcePriceID = &sourcePriceID
	}
	if context != "" {
		bucket.Context = &context
	}

	l.CreditBuckets = append(l.CreditBuckets, bucket)
	Recompute(l, now)
	return nil
}

// Refund appends a never-expiring single-unit bucket. Two refunds with the same context
// append two buckets; de-duplication is the caller's job.
func Refund(l *models.CreditLedger, context string, now time.Time) {
	bucket := models.CreditBucket{Amount: 1, GrantedAt: now}
	if context != "" {
		bucket.Context = &context
	}
	l.CreditBuckets = append(l.CreditBuckets, bucket)
	Recompute(l, now)
}

// RefundContext is the provenance tag for a scan refund.
func RefundContext(scanID string) string {
	return "refund:" + scanID
}
