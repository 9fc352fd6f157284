package routes

import (
	"net/http"

	"github.com/ravigill3969/fitscan/backend/handlers"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
)

func CreditRoutes(mux *http.ServeMux, ch *handlers.CreditsHandler, auth *middleware.Authenticator) {
	mux.Handle("GET /api/credits", auth.Middleware(http.HandlerFunc(ch.Balance)))

	// paths the mobile client already calls
	mux.Handle("POST /useCredit", auth.Middleware(http.HandlerFunc(ch.UseCredit)))
	mux.Handle("POST /refundIfNoResult", auth.Middleware(http.HandlerFunc(ch.RefundIfNoResult)))
}
