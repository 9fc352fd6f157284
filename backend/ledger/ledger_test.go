package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravigill3969/fitscan/backend/models"
)

var now = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func at(t time.Time) *time.Time { return &t }

func bucket(amount int, exp *time.Time) models.CreditBucket {
	return models.CreditBucket{Amount: amount, GrantedAt: now.Add(-48 * time.Hour), ExpiresAt: exp}
}

func TestConsumeDrainsSoonestExpiryFirst(t *testing.T) {
	l := &models.CreditLedger{CreditBuckets: []models.CreditBucket{
		bucket(3, nil),
		bucket(2, at(now.Add(24*time.Hour))),
	}}

	require.True(t, Consume(l, now))

	require.Len(t, l.CreditBuckets, 2)
	assert.Equal(t, 1, l.CreditBuckets[0].Amount)
	assert.NotNil(t, l.CreditBuckets[0].ExpiresAt)
	assert.Equal(t, 3, l.CreditBuckets[1].Amount)
	assert.Nil(t, l.CreditBuckets[1].ExpiresAt)
	assert.Equal(t, 4, l.CreditsSummary.TotalAvailable)
	assert.Equal(t, now, l.CreditsSummary.LastUpdated)
}

func TestConsumeDropsExpiredBuckets(t *testing.T) {
	l := &models.CreditLedger{CreditBuckets: []models.CreditBucket{
		bucket(5, at(now.Add(-time.Hour))),
		bucket(1, at(now.Add(time.Hour))),
	}}

	require.True(t, Consume(l, now))
	require.Len(t, l.CreditBuckets, 1)
	assert.Equal(t, 0, l.CreditBuckets[0].Amount)
	assert.Equal(t, 0, l.CreditsSummary.TotalAvailable)

	assert.False(t, Consume(l, now), "second consume must fail, expired credits are gone")
	assert.Len(t, l.CreditBuckets, 1)
}

func TestConsumeExpiryBoundaryIsInclusive(t *testing.T) {
	l := &models.CreditLedger{CreditBuckets: []models.CreditBucket{bucket(1, at(now))}}

	assert.False(t, Consume(l, now))
	assert.Empty(t, l.CreditBuckets)
}

func TestConsumeStopsAtFirstNonEmptyBucket(t *testing.T) {
	l := &models.CreditLedger{CreditBuckets: []models.CreditBucket{
		bucket(0, at(now.Add(time.Hour))),
		bucket(1, at(now.Add(2*time.Hour))),
		bucket(1, at(now.Add(3*time.Hour))),
	}}

	require.True(t, Consume(l, now))
	assert.Equal(t, []int{0, 0, 1}, amounts(l))
	assert.Equal(t, 1, l.CreditsSummary.TotalAvailable)
}

func TestConsumeNilAndEmpty(t *testing.T) {
	assert.False(t, Consume(nil, now))

	l := New(now)
	assert.False(t, Consume(l, now))
	assert.Equal(t, 0, l.CreditsSummary.TotalAvailable)
}

func TestConsumeSequenceNeverNegative(t *testing.T) {
	l := &models.CreditLedger{CreditBuckets: []models.CreditBucket{
		bucket(2, at(now.Add(time.Hour))),
		bucket(1, nil),
		bucket(4, at(now.Add(-time.Minute))),
	}}

	clock := now
	for i := 0; i < 6; i++ {
		Consume(l, clock)
		assert.GreaterOrEqual(t, l.CreditsSummary.TotalAvailable, 0)
		assert.Equal(t, TotalAvailable(l.CreditBuckets, clock), l.CreditsSummary.TotalAvailable)
		clock = clock.Add(10 * time.Minute)
	}
	assert.Equal(t, 0, l.CreditsSummary.TotalAvailable)
}

func TestGrantAppendsOneBucket(t *testing.T) {
	l := New(now)
	require.NoError(t, Grant(l, 10, 30, "price_123", "checkout.session.completed", now))
	require.NoError(t, Grant(l, 10, 30, "price_123", "checkout.session.completed", now))

	require.Len(t, l.CreditBuckets, 2, "grants with the same source are not merged")
	b := l.CreditBuckets[0]
	assert.Equal(t, now.AddDate(0, 0, 30), *b.ExpiresAt)
	assert.Equal(t, "price_123", *b.SourcePriceID)
	assert.Equal(t, "checkout.session.completed", *b.Context)
	assert.Equal(t, 20, l.CreditsSummary.TotalAvailable)
}

func TestGrantExcludesExpiredFromTotal(t *testing.T) {
	l := &models.CreditLedger{CreditBuckets: []models.CreditBucket{bucket(7, at(now.Add(-time.Hour)))}}
	require.NoError(t, Grant(l, 2, 0, "", "", now))

	assert.Len(t, l.CreditBuckets, 2, "grant does not clean up, only consume does")
	assert.Nil(t, l.CreditBuckets[1].ExpiresAt)
	assert.Nil(t, l.CreditBuckets[1].SourcePriceID)
	assert.Equal(t, 2, l.CreditsSummary.TotalAvailable)
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	l := New(now)
	assert.ErrorIs(t, Grant(l, 0, 30, "", "", now), ErrInvalidAmount)
	assert.Empty(t, l.CreditBuckets)
}

func TestRefundTwiceAppendsTwice(t *testing.T) {
	l := New(now)
	Refund(l, RefundContext("scan-1"), now)
	Refund(l, RefundContext("scan-1"), now)

	require.Len(t, l.CreditBuckets, 2)
	for _, b := range l.CreditBuckets {
		assert.Equal(t, 1, b.Amount)
		assert.Nil(t, b.ExpiresAt)
		assert.Equal(t, "refund:scan-1", *b.Context)
	}
	assert.Equal(t, 2, l.CreditsSummary.TotalAvailable)
}

func TestSortForConsumptionNilLast(t *testing.T) {
	buckets := []models.CreditBucket{
		bucket(1, nil),
		bucket(2, at(now.Add(3*time.Hour))),
		bucket(3, nil),
		bucket(4, at(now.Add(time.Hour))),
	}
	SortForConsumption(buckets)
	assert.Equal(t, []int{4, 2, 1, 3}, amountsOf(buckets))
}

func amounts(l *models.CreditLedger) []int { return amountsOf(l.CreditBuckets) }

func amountsOf(buckets []models.CreditBucket) []int {
	out := make([]int, len(buckets))
	for i, b := range buckets {
		out[i] = b.Amount
	}
	return out
}
