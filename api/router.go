package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"custodia/auth"
)

// NewRouter assembles the HTTP surface. Role gating is coarse: traders and
// admins trade, arbitrators vote, admins resolve escalations.
func NewRouter(handler *Handler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(log))
	r.Use(loggingMiddleware(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeMessage(w, http.StatusOK, "ok")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", handler.register)
		r.Post("/auth/login", handler.login)

		r.Group(func(r chi.Router) {
			r.Use(handler.authMiddleware)

			r.Post("/stake/deposit", handler.depositStake)
			r.Post("/stake/withdraw", handler.withdrawStake)
			r.Get("/stake/accounts/{address}", handler.getStakeAccount)
			r.Get("/ledger/balances/{address}", handler.getBalance)

			r.Post("/escrows", handler.createEscrow)
			r.Get("/escrows/{id}", handler.getEscrow)
			r.Post("/escrows/{id}/proof", handler.submitProof)
			r.Post("/escrows/{id}/release", handler.releaseEscrow)
			r.Post("/escrows/{id}/refund", handler.refundEscrow)
			r.Post("/escrows/{id}/cancel", handler.cancelEscrow)
			r.Post("/escrows/{id}/dispute", handler.openDispute)

			r.Get("/disputes/{id}", handler.getDispute)
			r.Post("/disputes/{id}/evidence", handler.submitEvidence)
			r.Post("/disputes/{id}/voting", handler.startVoting)
			r.Post("/disputes/{id}/force-resolve", handler.forceResolve)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleArbitrator))
				r.Post("/disputes/{id}/votes", handler.castVote)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(auth.RoleAdmin))
				r.Post("/disputes/{id}/admin-resolve", handler.adminResolve)
			})

			r.Post("/arbitrators", handler.registerArbitrator)
			r.Post("/arbitrators/deactivate", handler.deactivateArbitrator)
			r.Get("/arbitrators/{address}", handler.getArbitrator)
		})
	})

	return r
}
