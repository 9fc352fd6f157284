// Package billing sells credit packs through Stripe Checkout and grants them from the
// webhook.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

var (
	ErrUnknownPrice   = errors.New("unknown price")
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrBadPayload     = errors.New("invalid webhook payload")
	ErrNotConfigured  = errors.New("billing not configured")
	ErrMissingUser    = errors.New("checkout session has no user")
	ErrNotPaid        = errors.New("payment not completed")
	ErrForeignSession = errors.New("checkout session belongs to another user")
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"

	metaUserID  = "uid"
	metaPriceID = "priceId"
)

// CheckoutFunc creates a Checkout Session. session.New in production.
type CheckoutFunc func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// SessionFunc fetches a Checkout Session by id. session.Get in production.
type SessionFunc func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

type WebhookResult struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Granted   int    `json:"granted"`
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored"`
}

type Service struct {
	store         store.Store
	credits       *credits.Service
	packs         map[string]models.CreditPack
	checkout      CheckoutFunc
	getSession    SessionFunc
	apiKeySet     bool
	webhookSecret string
	frontendURL   string
	logger        *zap.Logger
}

func NewService(cfg config.StripeConfig, frontendURL string, st store.Store, cs *credits.Service, logger *zap.Logger) *Service {
	stripe.Key = cfg.SecretKey
	return &Service{
		store:         st,
		credits:       cs,
		packs:         cfg.Packs,
		checkout:      session.New,
		getSession:    session.Get,
		apiKeySet:     cfg.SecretKey != "",
		webhookSecret: cfg.WebhookSecret,
		frontendURL:   frontendURL,
		logger:        logger,
	}
}

// WithCheckout swaps the Stripe call, for tests.
func (s *Service) WithCheckout(fn CheckoutFunc) *Service {
	s.checkout = fn
	return s
}

func (s *Service) WithSessionLookup(fn SessionFunc) *Service {
	s.getSession = fn
	return s
}

// Packs lists the catalog ordered by credit count.
func (s *Service) Packs() []models.CreditPack {
	out := make([]models.CreditPack, 0, len(s.packs))
	for _, p := range s.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Credits == out[j].Credits {
			return out[i].PriceID < out[j].PriceID
		}
		return out[i].Credits < out[j].Credits
	})
	return out
}

// CreateCheckoutSession returns the hosted checkout URL for one pack.
func (s *Service) CreateCheckoutSession(ctx context.Context, uid, priceID string) (string, error) {
	if uid == "" {
		return "", credits.ErrMissingUserID
	}
	pack, ok := s.packs[priceID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.frontendURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(s.frontendURL + "/billing/cancel"),
		ClientReferenceID: stripe.String(uid),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(pack.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata(metaUserID, uid)
	params.AddMetadata(metaPriceID, pack.PriceID)

	sess, err := s.checkout(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

// HandleWebhook verifies and applies one Stripe delivery. A paid checkout grants the pack
// in the same transaction that records the event id, so redelivery is a no-op.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	if s.webhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	res := &WebhookResult{EventID: event.ID, Type: string(event.Type)}
	switch string(event.Type) {
	case EventCheckoutCompleted, EventAsyncPaymentSucceeded:
	default:
		res.Ignored = true
		return res, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	// async methods complete unpaid and settle with a later event
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		res.Ignored = true
		return res, nil
	}

	uid := sessionUser(&sess)
	if uid == "" {
		return nil, ErrMissingUser
	}
	pack, ok := s.packs[sess.Metadata[metaPriceID]]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrice, sess.Metadata[metaPriceID])
	}

	res.Granted, res.Duplicate, err = s.grant(ctx, uid, pack, sess.ID, event.ID, string(event.Type))
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", event.ID, err)
	}
	return res, nil
}

type VerifyResult struct {
	SessionID string `json:"sessionId"`
	Granted   int    `json:"granted"`
	Duplicate bool   `json:"duplicate"`
}

// VerifyCheckoutSession grants a paid session from the checkout success page. It races
// the webhook safely: whichever lands second sees the session as already applied.
func (s *Service) VerifyCheckoutSession(ctx context.Context, uid, sessionID string) (*VerifyResult, error) {
	if uid == "" {
		return nil, credits.ErrMissingUserID
	}
	if !s.apiKeySet {
		return nil, ErrNotConfigured
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.getSession(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("fetch checkout session: %w", err)
	}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, ErrNotPaid
	}
	if sessionUser(sess) != uid {
		return nil, ErrForeignSession
	}
	pack, ok := s.packs[sess.Metadata[metaPriceID]]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPrice, sess.Metadata[metaPriceID])
	}

	res := &VerifyResult{SessionID: sess.ID}
	res.Granted, res.Duplicate, err = s.grant(ctx, uid, pack, sess.ID, "", "checkout.session.verified")
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", sess.ID, err)
	}
	return res, nil
}

func sessionUser(sess *stripe.CheckoutSession) string {
	if uid := sess.Metadata[metaUserID]; uid != "" {
		return uid
	}
	return sess.ClientReferenceID
}

func sessionKey(sessionID string) string { return "checkout:" + sessionID }

// grant applies one pack purchase. Both the Stripe event id (when there is one) and the
// checkout session are recorded, so neither a redelivered event nor a second path through
// the same session grants twice.
func (s *Service) grant(ctx context.Context, uid string, pack models.CreditPack, sessionID, eventID, source string) (granted int, duplicate bool, err error) {
	keys := []string{sessionKey(sessionID)}
	if eventID != "" {
		keys = append(keys, eventID)
	}

	err = s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		granted, duplicate = 0, false
		for _, k := range keys {
			done, err := tx.EventProcessed(ctx, k)
			if err != nil {
				return err
			}
			if done {
				duplicate = true
				return nil
			}
		}
		if _, err := s.credits.GrantInTx(ctx, tx, uid, credits.Grant{
			Amount:        pack.Credits,
			ExpiryDays:    pack.ExpiryDays,
			SourcePriceID: pack.PriceID,
			Context:       source,
		}); err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, k := range keys {
			if err := tx.MarkEventProcessed(ctx, models.ProcessedEvent{
				EventID:     k,
				EventType:   source,
				UserID:      uid,
				ProcessedAt: now,
			}); err != nil {
				return err
			}
		}
		granted = pack.Credits
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	s.logger.Info("credit pack applied",
		zap.String("uid", uid),
		zap.String("session_id", sessionID),
		zap.String("event_id", eventID),
		zap.String("price_id", pack.PriceID),
		zap.Int("granted", granted),
		zap.Bool("duplicate", duplicate))
	return granted, duplicate, nil
}
