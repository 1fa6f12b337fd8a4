package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

func NewRouter(cfg RouterConfig, carts *CartHandler, sessions *SessionMiddleware, limiter *RateLimiter) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.MaxRequestBodySize > 0 {
		r.Use(limitBody(cfg.MaxRequestBodySize))
	}

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Limit)
		}
		r.Use(sessions.Handler)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", carts.GetCart)
			r.Post("/add", carts.AddItem)
			r.Put("/update", carts.UpdateItem)
			r.Delete("/remove", carts.RemoveItem)
			r.Delete("/clear", carts.ClearCart)
			r.Post("/merge", carts.Merge)
		})
		r.Post("/session/logout", carts.Logout)
	})

	return r
}
