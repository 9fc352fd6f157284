package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/utils"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type CreditsHandler struct {
	Credits *credits.Service
}

func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	summary, err := h.Credits.Balance(r.Context(), uid)
	if err != nil {
		respondErr(w, r, err, "Failed to load credits")
		return
	}
	utils.Respond(w, http.StatusOK, summary, utils.WithRemaining(summary.TotalAvailable))
}

// UseCredit consumes one credit. With an Idempotency-Key header the consumption runs as a
// user operation keyed on it, so a client retrying with the same key is charged once.
// Without a key the credit is consumed directly and no operation record is kept.
//
// A replay reports the balance at replay time as remaining, not the count the first call
// returned; credits granted or spent in between show up in it.
func (h *CreditsHandler) UseCredit(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	opID := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if opID == "" {
		h.consumeOnce(w, r, uid)
		return
	}

	var (
		remaining int
		ran       bool
	)
	rec, err := h.Credits.RunUserOperation(r.Context(), uid, "useCredit:"+opID, func(ctx context.Context) error {
		ran = true
		consumed, left, err := h.Credits.ConsumeCredit(ctx, uid)
		if err != nil {
			return err
		}
		if !consumed {
			return credits.Permanent(credits.ErrNoCredits)
		}
		remaining = left
		return nil
	})
	if err != nil {
		respondErr(w, r, err, "Failed to use credit")
		return
	}

	if !ran {
		summary, err := h.Credits.Balance(r.Context(), uid)
		if err != nil {
			respondErr(w, r, err, "Failed to load credits")
			return
		}
		remaining = summary.TotalAvailable
	}

	utils.Respond(w, http.StatusOK, map[string]interface{}{
		"operationId": opID,
		"attempts":    rec.Attempts,
		"replayed":    !ran,
	}, utils.WithRemaining(remaining))
}

func (h *CreditsHandler) consumeOnce(w http.ResponseWriter, r *http.Request, uid string) {
	consumed, remaining, err := h.Credits.ConsumeCredit(r.Context(), uid)
	if err != nil {
		respondErr(w, r, err, "Failed to use credit")
		return
	}
	if !consumed {
		respondErr(w, r, credits.ErrNoCredits, "Failed to use credit")
		return
	}
	utils.Respond(w, http.StatusOK, map[string]interface{}{
		"attempts": 1,
		"replayed": false,
	}, utils.WithRemaining(remaining))
}

type refundRequest struct {
	ScanID string `json:"scanId"`
}

func (h *CreditsHandler) RefundIfNoResult(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ScanID = strings.TrimSpace(req.ScanID)
	if req.ScanID == "" {
		utils.RespondError(w, http.StatusBadRequest, "Missing scanId")
		return
	}

	out, err := h.Credits.RefundIfNoResult(r.Context(), uid, req.ScanID)
	if err != nil {
		respondErr(w, r, err, "Failed to refund scan")
		return
	}
	utils.Respond(w, http.StatusOK, out, utils.WithRefund(out.Refunded, out.Reason))
}
