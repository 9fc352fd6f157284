package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/models"
	"github.com/ravigill3969/fitscan/backend/store"
)

const testSecret = "whsec_test"

func newService(t *testing.T) (*Service, *credits.Service) {
	t.Helper()
	st := store.NewMemory()
	cs := credits.NewService(st, zap.NewNop())
	cfg := config.StripeConfig{
		SecretKey:     "sk_test_fitscan",
		WebhookSecret: testSecret,
		Packs: map[string]models.CreditPack{
			"price_one":  {PriceID: "price_one", Name: "One", Credits: 1, ExpiryDays: 365},
			"price_five": {PriceID: "price_five", Name: "Five", Credits: 5, ExpiryDays: 0},
		},
	}
	return NewService(cfg, "https://app.test", st, cs, zap.NewNop()), cs
}

func sign(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(id, typ, uid, priceID, paymentStatus string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "api_version": "2020-08-27",
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "mode": "payment",
    "payment_status": %q,
    "metadata": {"uid": %q, "priceId": %q}
  }}
}`, id, typ, paymentStatus, uid, priceID))
}

func TestPacksSortedByCredits(t *testing.T) {
	svc, _ := newService(t)
	packs := svc.Packs()
	require.Len(t, packs, 2)
	assert.Equal(t, "price_one", packs[0].PriceID)
	assert.Equal(t, "price_five", packs[1].PriceID)
}

func TestCreateCheckoutSession(t *testing.T) {
	svc, _ := newService(t)
	var got *stripe.CheckoutSessionParams
	svc.WithCheckout(func(p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = p
		return &stripe.CheckoutSession{URL: "https://checkout.stripe.test/cs_1"}, nil
	})

	url, err := svc.CreateCheckoutSession(context.Background(), "u1", "price_five")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", url)

	require.NotNil(t, got)
	assert.Equal(t, string(stripe.CheckoutSessionModePayment), *got.Mode)
	assert.Equal(t, "price_five", *got.LineItems[0].Price)
	assert.Equal(t, "u1", got.Metadata["uid"])
	assert.Equal(t, "price_five", got.Metadata["priceId"])
	assert.Equal(t, "https://app.test/billing/cancel", *got.CancelURL)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	svc, _ := newService(t)
	svc.WithCheckout(func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("card_declined")
	})

	_, err := svc.CreateCheckoutSession(context.Background(), "u1", "price_nope")
	assert.ErrorIs(t, err, ErrUnknownPrice)

	_, err = svc.CreateCheckoutSession(context.Background(), "", "price_one")
	assert.ErrorIs(t, err, credits.ErrMissingUserID)

	_, err = svc.CreateCheckoutSession(context.Background(), "u1", "price_one")
	assert.ErrorContains(t, err, "card_declined")
}

func TestWebhookGrantsOnce(t *testing.T) {
	svc, cs := newService(t)
	payload := checkoutEvent("evt_1", EventCheckoutCompleted, "u1", "price_five", "paid")

	res, err := svc.HandleWebhook(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Granted)
	assert.False(t, res.Duplicate)

	res, err = svc.HandleWebhook(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 0, res.Granted)

	summary, err := cs.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalAvailable)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	svc, _ := newService(t)
	payload := checkoutEvent("evt_1", EventCheckoutCompleted, "u1", "price_one", "paid")

	_, err := svc.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestWebhookIgnoresUnpaidAndOtherEvents(t *testing.T) {
	svc, cs := newService(t)

	unpaid := checkoutEvent("evt_2", EventCheckoutCompleted, "u1", "price_one", "unpaid")
	res, err := svc.HandleWebhook(context.Background(), unpaid, sign(unpaid))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	other := checkoutEvent("evt_3", "invoice.paid", "u1", "price_one", "paid")
	res, err = svc.HandleWebhook(context.Background(), other, sign(other))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	settled := checkoutEvent("evt_4", EventAsyncPaymentSucceeded, "u1", "price_one", "paid")
	res, err = svc.HandleWebhook(context.Background(), settled, sign(settled))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Granted)

	summary, err := cs.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalAvailable)
}

func TestWebhookUnknownPrice(t *testing.T) {
	svc, _ := newService(t)
	payload := checkoutEvent("evt_5", EventCheckoutCompleted, "u1", "price_gone", "paid")
	_, err := svc.HandleWebhook(context.Background(), payload, sign(payload))
	assert.ErrorIs(t, err, ErrUnknownPrice)
}

func TestWebhookWithoutSecret(t *testing.T) {
	svc, _ := newService(t)
	svc.webhookSecret = ""
	_, err := svc.HandleWebhook(context.Background(), []byte(`{}`), "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func paidSession(id, uid, priceID string) SessionFunc {
	return func(got string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		if got != id {
			return nil, errors.New("no such checkout session")
		}
		return &stripe.CheckoutSession{
			ID:            id,
			PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
			Metadata:      map[string]string{"uid": uid, "priceId": priceID},
		}, nil
	}
}

func TestVerifyAndWebhookGrantOnce(t *testing.T) {
	svc, cs := newService(t)
	svc.WithSessionLookup(paidSession("cs_test_1", "u1", "price_five"))

	res, err := svc.VerifyCheckoutSession(context.Background(), "u1", "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Granted)

	res, err = svc.VerifyCheckoutSession(context.Background(), "u1", "cs_test_1")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	payload := checkoutEvent("evt_9", EventCheckoutCompleted, "u1", "price_five", "paid")
	wh, err := svc.HandleWebhook(context.Background(), payload, sign(payload))
	require.NoError(t, err)
	assert.True(t, wh.Duplicate, "webhook for a verified session does not grant again")

	summary, err := cs.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalAvailable)
}

func TestVerifyRejects(t *testing.T) {
	svc, _ := newService(t)
	svc.WithSessionLookup(paidSession("cs_test_1", "u1", "price_one"))

	_, err := svc.VerifyCheckoutSession(context.Background(), "u2", "cs_test_1")
	assert.ErrorIs(t, err, ErrForeignSession)

	_, err = svc.VerifyCheckoutSession(context.Background(), "u1", "cs_missing")
	assert.ErrorContains(t, err, "no such checkout session")

	svc.WithSessionLookup(func(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return &stripe.CheckoutSession{ID: id, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid}, nil
	})
	_, err = svc.VerifyCheckoutSession(context.Background(), "u1", "cs_test_1")
	assert.ErrorIs(t, err, ErrNotPaid)

	svc.apiKeySet = false
	_, err = svc.VerifyCheckoutSession(context.Background(), "u1", "cs_test_1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
