/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * Route groups:
 * - Public: health check and the gateway callback endpoints. The gateway does
 *   not authenticate, so callbacks cannot sit behind the JWT middleware.
 * - Authenticated: the payment operation endpoints used by platform clients.
 * - Internal: operator endpoints guarded by a shared API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the auth material the route groups need.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
}

// PaymentRoutes creates and returns the router for the payment service.
func PaymentRoutes(h *PaymentHandlers, cb *CallbackHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", InternalAPIKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway callbacks. Unauthenticated: the gateway posts results directly
	// and expects a 200 acknowledgement.
	r.Route("/payments/callbacks", func(r chi.Router) {
		r.Post("/stk", cb.STKCallbackHandler)
		r.Post("/b2c/result", cb.B2CResultHandler)
		r.Post("/b2c/timeout", cb.B2CTimeoutHandler)
		r.Post("/c2b/confirmation", cb.C2BConfirmationHandler)
		r.Post("/c2b/validation", cb.C2BValidationHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))

		r.Route("/payments", func(r chi.Router) {
			r.Post("/stk-push", h.STKPushHandler)
			r.Post("/stk-push/query", h.STKQueryHandler)
			r.Post("/b2c", h.B2CHandler)
			r.Post("/status", h.TransactionStatusHandler)
			r.Post("/balance", h.AccountBalanceHandler)
			r.Post("/reversal", h.ReversalHandler)
			r.Post("/c2b/register", h.C2BRegisterHandler)
			r.Post("/c2b/simulate", h.C2BSimulateHandler)

			r.Get("/transactions", h.ListTransactionsHandler)
			r.Get("/transactions/{transactionID}", h.GetTransactionHandler)
		})
	})

	// Operator endpoints behind the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))

		r.Post("/internal/payments/transactions/{transactionID}/retry", h.RetryTransactionHandler)
	})

	return r
}
