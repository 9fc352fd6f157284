package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRespondPromotesFields(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, http.StatusOK, map[string]string{"scanId": "s1"}, WithRemaining(3))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, 3.0, body["remaining"])
	assert.NotContains(t, body, "refunded")
	assert.Equal(t, "s1", body["data"].(map[string]interface{})["scanId"])
}

func TestRespondErrorCarriesError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusPaymentRequired, "No credits", WithRemaining(0))

	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "No credits", body["error"])
	assert.Equal(t, ErrCodePaymentRequired, body["code"])
	assert.Equal(t, 0.0, body["remaining"])
}

func TestRespondRefundFields(t *testing.T) {
	rec := httptest.NewRecorder()
	Respond(rec, http.StatusOK, nil, WithRefund(false, "completed"))

	body := decode(t, rec)
	assert.Equal(t, false, body["refunded"])
	assert.Equal(t, "completed", body["reason"])
}

func TestRespondInternalHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	RespondInternal(rec, req, errors.New("pq: connection refused"), "Something went wrong")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := CreateToken("u1", secret, time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	_, err = ParseToken(tok, []byte("other"))
	assert.Error(t, err)

	expired, err := CreateToken("u1", secret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, secret)
	assert.Error(t, err)
}

func TestRespondValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondFieldErrors(rec, map[string]string{"limit": "must be between 1 and 50"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, ErrCodeValidation, body["code"])
	assert.Equal(t, "must be between 1 and 50", body["field_errors"].(map[string]interface{})["limit"])

	rec = httptest.NewRecorder()
	RespondValidationError(rec, "", []string{"selfie", "side"})
	assert.Equal(t, "Validation failed: selfie, side", decode(t, rec)["error"])
}
