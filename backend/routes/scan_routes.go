package routes

import (
	"net/http"

	"github.com/ravigill3969/fitscan/backend/handlers"
	middleware "github.com/ravigill3969/fitscan/backend/middlewares"
)

func ScanRoutes(mux *http.ServeMux, sh *handlers.ScanHandler, auth *middleware.Authenticator) {
	mux.Handle("POST /api/scans", auth.Middleware(http.HandlerFunc(sh.Create)))
	mux.Handle("GET /api/scans", auth.Middleware(http.HandlerFunc(sh.List)))
	mux.Handle("GET /api/scans/{id}", auth.Middleware(http.HandlerFunc(sh.Get)))
	mux.Handle("GET /api/scans/{id}/events", auth.Middleware(http.HandlerFunc(sh.Events)))
	mux.Handle("POST /api/scans/{id}/photos", auth.Middleware(http.HandlerFunc(sh.UploadPhotos)))
	mux.Handle("PUT /api/scans/{id}/photos/{pose}", auth.Middleware(http.HandlerFunc(sh.PutPhoto)))
	mux.Handle("POST /api/scans/{id}/submit", auth.Middleware(http.HandlerFunc(sh.Submit)))
	mux.Handle("POST /api/scans/{id}/abort", auth.Middleware(http.HandlerFunc(sh.Abort)))
}
