package routes

import (
	"net/http"

	"github.com/ravigill3969/fitscan/backend/handlers"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
)

func StripeRoutes(mux *http.ServeMux, s *handlers.Stripe, auth *middleware.Authenticator) {
	mux.HandleFunc("POST /webhook", s.HandleWebhook)
	mux.Handle("GET /api/billing/packs", auth.Middleware(http.HandlerFunc(s.Packs)))
	mux.Handle("POST /api/billing/checkout", auth.Middleware(http.HandlerFunc(s.CreateCheckoutSession)))
	mux.Handle("POST /api/billing/verify", auth.Middleware(http.HandlerFunc(s.VerifyCheckoutSession)))
}
