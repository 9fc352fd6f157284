package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ravigill3969/fitscan/backend/billing"
	"github.com/ravigill3969/fitscan/backend/credits"
	"github.com/ravigill3969/fitscan/backend/ledger"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
	"github.com/ravigill3969/fitscan/backend/nutrition"
	"github.com/ravigill3969/fitscan/backend/scans"
	"github.com/ravigill3969/fitscan/backend/storage"
	"github.com/ravigill3969/fitscan/backend/store"
	"github.com/ravigill3969/fitscan/backend/utils"
)

const maxJSONBody = 1 << 20

// statusFor maps domain errors to a status and client message. ok is false for errors
// that must be answered as internal.
func statusFor(err error) (status int, message string, ok bool) {
	switch {
	case errors.Is(err, credits.ErrNoCredits):
		return http.StatusPaymentRequired, "No credits", true
	case errors.Is(err, credits.ErrMissingUserID):
		return http.StatusUnauthorized, "Unauthorized: User ID not provided", true
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Scan not found", true

	case errors.Is(err, credits.ErrMissingOperationID),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, scans.ErrInvalidPose),
		errors.Is(err, scans.ErrEmptyPhoto),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, billing.ErrUnknownPrice),
		errors.Is(err, billing.ErrBadSignature),
		errors.Is(err, billing.ErrBadPayload),
		errors.Is(err, billing.ErrMissingUser),
		errors.Is(err, billing.ErrNotPaid),
		errors.Is(err, nutrition.ErrEmptyQuery):
		return http.StatusBadRequest, err.Error(), true

	case errors.Is(err, billing.ErrForeignSession):
		return http.StatusForbidden, err.Error(), true

	case errors.Is(err, scans.ErrPhotoTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error(), true

	case errors.Is(err, scans.ErrNotSubmittable),
		errors.Is(err, scans.ErrNotUploadable),
		errors.Is(err, scans.ErrClosed),
		errors.Is(err, credits.ErrOperationInProgress),
		errors.Is(err, credits.ErrOperationExhausted):
		return http.StatusConflict, err.Error(), true

	case errors.Is(err, scans.ErrQueueFailed):
		return http.StatusServiceUnavailable, "Scan could not be queued, your credit was returned", true
	case errors.Is(err, billing.ErrNotConfigured):
		return http.StatusServiceUnavailable, "Billing is not configured", true
	case errors.Is(err, nutrition.ErrUnavailable):
		return http.StatusBadGateway, "Nutrition sources are unavailable", true
	}
	return 0, "", false
}

func respondErr(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status, message, ok := statusFor(err)
	if !ok {
		utils.RespondInternal(w, r, err, fallback)
		return
	}
	if status == http.StatusPaymentRequired {
		utils.RespondError(w, status, message, utils.WithRemaining(0))
		return
	}
	utils.RespondError(w, status, message)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, ok := middleware.UserID(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized: User ID not provided")
	}
	return uid, ok
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON body: %w", err)
}

// queryLimit reads the optional limit parameter. It answers 400 itself and returns false
// when the value is out of range.
func queryLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		utils.RespondFieldErrors(w, map[string]string{"limit": fmt.Sprintf("must be between 1 and %d", max)})
		return 0, false
	}
	return n, true
}
