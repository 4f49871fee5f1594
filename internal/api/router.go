/**
 * @description
 * HTTP router for the funding-service: public health check, Clerk-authenticated
 * contributor and creator endpoints, the Stripe webhook, and internal hooks.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the credentials the route groups check.
type RouterConfig struct {
	ClerkJWKSURL   string
	InternalAPIKey string
}

// FundingRoutes creates and returns the router for the funding service.
func FundingRoutes(h *FundingHandlers, cfg RouterConfig) http.Handler {
	return fundingRoutes(h, ClerkAuthMiddleware(cfg.ClerkJWKSURL), InternalAuthMiddleware(cfg.InternalAPIKey))
}

func fundingRoutes(h *FundingHandlers, userAuth, internalAuth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Stripe signs its deliveries; there is no user token.
	r.Post("/webhooks/stripe", h.StripeWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(userAuth)

		r.Post("/events", h.CreateEventHandler)
		r.Get("/events/{eventID}", h.GetEventHandler)
		r.Get("/events/{eventID}/contributions", h.ListContributionsHandler)
		r.Post("/events/{eventID}/payment-intents", h.CreatePaymentIntentHandler)
		r.Post("/events/{eventID}/cancel", h.CancelEventHandler)
		r.Post("/contributions/{contributionID}/refund", h.RefundContributionHandler)
		r.Get("/fees/quote", h.QuoteFeeHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(internalAuth)

		r.Post("/payments/{paymentReference}/confirm", h.ConfirmPaymentHandler)
		r.Post("/events/{eventID}/order-placed", h.OrderPlacedHandler)
		r.Post("/events/{eventID}/order-filled", h.OrderFilledHandler)
		r.Post("/events/{eventID}/completed", h.CompletedHandler)
		r.Post("/contributions/sweep", h.SweepPendingHandler)
	})

	return r
}
