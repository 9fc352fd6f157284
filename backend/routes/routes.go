// Package routes mounts the HTTP API on a ServeMux.
package routes

import (
	"net/http"

	"github.com/ravigill3969/fitscan/backend/handlers"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
	"github.com/ravigill3969/fitscan/backend/utils"
)

type Handlers struct {
	Credits   *handlers.CreditsHandler
	Scans     *handlers.ScanHandler
	Stripe    *handlers.Stripe
	Nutrition *handlers.NutritionHandler
	Health    *handlers.Health
}

// NewMux registers every route. Optional handlers left nil are not mounted.
func NewMux(h Handlers, auth *middleware.Authenticator) *http.ServeMux {
	mux := http.NewServeMux()

	if h.Health != nil {
		mux.HandleFunc("GET /healthz", h.Health.Check)
	}
	CreditRoutes(mux, h.Credits, auth)
	ScanRoutes(mux, h.Scans, auth)
	if h.Stripe != nil {
		StripeRoutes(mux, h.Stripe, auth)
	}
	if h.Nutrition != nil {
		NutritionRoutes(mux, h.Nutrition, auth)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "This route does not exist")
	})
	return mux
}
