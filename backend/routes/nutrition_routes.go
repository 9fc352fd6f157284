package routes

import (
	"net/http"

	"github.com/ravigill3969/fitscan/backend/handlers"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
)

func NutritionRoutes(mux *http.ServeMux, nh *handlers.NutritionHandler, auth *middleware.Authenticator) {
	mux.Handle("GET /api/nutrition/search", auth.Middleware(http.HandlerFunc(nh.Search)))
}
