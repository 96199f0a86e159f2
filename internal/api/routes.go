package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the cross-cutting parts of the router
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	StaticDir      string
}

// NewRouter wires every endpoint of the web surface
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(Recovery(h.Log))
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Public endpoints
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)

	// Session endpoints
	r.Group(func(r chi.Router) {
		r.Use(h.SessionAuth)
		r.Use(h.RequireCSRF)
		r.Get("/me", h.Me)
		r.Post("/logout", h.Logout)
		r.Post("/check-volume", h.CheckVolume)
		r.Get("/credentials", h.ListCredentials)
		r.Post("/credentials", h.CreateCredential)
		r.Delete("/credentials/{id}", h.DeleteCredential)
		r.Post("/account/uid", h.LinkUID)
	})

	if opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.StaticDir)))
	}
	return r
}
