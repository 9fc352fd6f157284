package handlers

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/billing"
	"github.com/ravigill3969/fitscan/backend/logger"
	"github.com/ravigill3969/fitscan/backend/utils"
)

const maxWebhookBody = int64(65536)

type Stripe struct {
	Billing *billing.Service
}

type checkoutRequest struct {
	PriceID string `json:"priceId"`
}

func (s *Stripe) Packs(w http.ResponseWriter, r *http.Request) {
	utils.RespondSuccess(w, http.StatusOK, s.Billing.Packs())
}

func (s *Stripe) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.PriceID = strings.TrimSpace(req.PriceID)
	if req.PriceID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing priceId")
		return
	}

	url, err := s.Billing.CreateCheckoutSession(r.Context(), uid, req.PriceID)
	if err != nil {
		respondErr(w, r, err, "Unable to create checkout session")
		return
	}
	utils.RespondSuccess(w, http.StatusOK, map[string]string{"checkout_url": url})
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
}

// VerifyCheckoutSession is called by the checkout success page with the session id Stripe
// put in the redirect URL.
func (s *Stripe) VerifyCheckoutSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing sessionId")
		return
	}

	res, err := s.Billing.VerifyCheckoutSession(r.Context(), uid, req.SessionID)
	if err != nil {
		respondErr(w, r, err, "Unable to verify checkout session")
		return
	}
	utils.RespondSuccess(w, http.StatusOK, res)
}

// HandleWebhook answers 2xx for every event it understood or chose to ignore, so Stripe
// only redelivers on verification or storage failures.
func (s *Stripe) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Could not read webhook body")
		return
	}

	res, err := s.Billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.FromContext(r.Context()).Warn("stripe webhook rejected", zap.Error(err))
		respondErr(w, r, err, "Failed to apply webhook")
		return
	}
	utils.RespondSuccess(w, http.StatusOK, res)
}
