/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the authentication middleware: end-user JWTs for the public surface and the
 * shared API key for the internal surface.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AuthConfig carries the settings the router's auth middleware needs.
type AuthConfig struct {
	JWKSURL        string
	Issuer         string
	Audience       string
	InternalAPIKey string
}

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, auth AuthConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// User-facing endpoints, authenticated with the identity provider's JWTs.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth.JWKSURL, auth.Issuer, auth.Audience))

		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/transactions", h.ListTransactionsHandler)
		r.Post("/checkin", h.DailyCheckinHandler)
		r.Post("/merchants/register-bonus", h.MerchantRegisterBonusHandler)
		r.Post("/spend/contact-view", h.SpendContactViewHandler)
		r.Post("/spend/merchant-edit", h.SpendMerchantEditHandler)
		r.Post("/spend/merchant-top", h.SpendMerchantTopHandler)
	})

	// Internal endpoints for sibling services and operators.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(auth.InternalAPIKey))

		r.Post("/accounts", h.EnsureAccountHandler)
		r.Get("/accounts/{accountID}", h.GetAccountHandler)
		r.Post("/invitations", h.InvitationRewardHandler)
		r.Post("/adjustments", h.AdminAdjustmentHandler)

		r.Post("/batch-jobs", h.CreateBatchJobHandler)
		r.Get("/batch-jobs/{jobID}", h.GetBatchJobHandler)
		r.Post("/batch-jobs/{jobID}/execute", h.ExecuteBatchJobHandler)
		r.Post("/batch-jobs/{jobID}/cancel", h.CancelBatchJobHandler)

		r.Post("/reconcile", h.ReconcileAllHandler)
		r.Post("/reconcile/{accountID}", h.ReconcileAccountHandler)
	})

	return r
}
