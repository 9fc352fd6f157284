package models

import "time"

// CreditBucket is a single grant of credits with its own expiry.
type CreditBucket struct {
	Amount        int        `json:"amount" firestore:"amount"`
	GrantedAt     time.Time  `json:"grantedAt" firestore:"grantedAt"`
	ExpiresAt     *time.Time `json:"expiresAt" firestore:"expiresAt"` // nil never expires
	SourcePriceID *string    `json:"sourcePriceId" firestore:"sourcePriceId"`
	Context       *string    `json:"context" firestore:"context"`
}

// Expired reports whether the bucket has aged out at now.
func (b CreditBucket) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

type CreditsSummary struct {
	TotalAvailable int       `json:"totalAvailable" firestore:"totalAvailable"`
	LastUpdated    time.Time `json:"lastUpdated" firestore:"lastUpdated"`
}

// CreditLedger is stored at users/{uid}/private/credits.
type CreditLedger struct {
	CreditBuckets  []CreditBucket `json:"creditBuckets" firestore:"creditBuckets"`
	CreditsSummary CreditsSummary `json:"creditsSummary" firestore:"creditsSummary"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (l *CreditLedger) Clone() *CreditLedger {
	if l == nil {
		return nil
	}
	out := &CreditLedger{CreditsSummary: l.CreditsSummary}
	out.CreditBuckets = make([]CreditBucket, len(l.CreditBuckets))
	for i, b := range l.CreditBuckets {
		out.CreditBuckets[i] = b
		if b.ExpiresAt != nil {
			t := *b.ExpiresAt
			out.CreditBuckets[i].ExpiresAt = &t
		}
		if b.SourcePriceID != nil {
			s := *b.SourcePriceID
			out.CreditBuckets[i].SourcePriceID = &s
		}
		if b.Context != nil {
			s := *b.Context
			out.CreditBuckets[i].Context = &s
		}
	}
	return out
}

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
)

// OperationRecord guards a caller-keyed user operation (users/{uid}/operations/{opId}).
type OperationRecord struct {
	ID        string          `json:"id" db:"op_id" firestore:"id"`
	UserID    string          `json:"userId" db:"user_id" firestore:"userId"`
	Status    OperationStatus `json:"status" db:"status" firestore:"status"`
	Attempts  int             `json:"attempts" db:"attempts" firestore:"attempts"`
	LastError string          `json:"lastError,omitempty" db:"last_error" firestore:"lastError"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at" firestore:"updatedAt"`
}
