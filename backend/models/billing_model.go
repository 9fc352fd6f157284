package models

import "time"

// CreditPack is one purchasable price in the catalog.
type CreditPack struct {
	PriceID    string `json:"priceId" yaml:"price_id"`
	Name       string `json:"name" yaml:"name"`
	Credits    int    `json:"credits" yaml:"credits"`
	ExpiryDays int    `json:"expiryDays" yaml:"expiry_days"`
}

// ProcessedEvent records a billing webhook delivery that already granted credits.
type ProcessedEvent struct {
	EventID     string    `json:"eventId" db:"event_id" firestore:"eventId"`
	EventType   string    `json:"eventType" db:"event_type" firestore:"eventType"`
	UserID      string    `json:"userId" db:"user_id" firestore:"userId"`
	ProcessedAt time.Time `json:"processedAt" db:"processed_at" firestore:"processedAt"`
}
