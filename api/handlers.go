package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"custodia/auth"
	"custodia/dispute"
	"custodia/escrow"
	"custodia/stake"
)

// Handler exposes the broker core over HTTP. Handlers stay thin: decode,
// delegate, encode. All authorization beyond role gating lives in the
// services, keyed on the caller's settlement address.
type Handler struct {
	auth     *auth.Service
	stakes   *stake.Service
	escrows  *escrow.Service
	disputes *dispute.Service
	log      zerolog.Logger
}

func NewHandler(authSvc *auth.Service, stakes *stake.Service, escrows *escrow.Service, disputes *dispute.Service, log zerolog.Logger) *Handler {
	return &Handler{
		auth:     authSvc,
		stakes:   stakes,
		escrows:  escrows,
		disputes: disputes,
		log:      log.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapDomainError(err)
	if status >= 500 {
		h.log.Error().Err(err).Str("request_id", requestIDFromContext(r.Context())).Msg("request failed")
	}
	writeError(w, status, code, err.Error())
}

// --- auth ---

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	p, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, participantView{
		ID:      p.ID,
		Email:   p.Email,
		Address: p.Address,
		Role:    string(p.Role),
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	res, err := h.auth.Login(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"participant": participantView{
			ID:      res.Participant.ID,
			Email:   res.Participant.Email,
			Address: res.Participant.Address,
			Role:    string(res.Participant.Role),
		},
	})
}

// --- stake ---

type stakeAmountRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) depositStake(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req stakeAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	acct, err := h.stakes.Deposit(r.Context(), ident.Address, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAccountView(acct))
}

func (h *Handler) withdrawStake(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req stakeAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	acct, err := h.stakes.Withdraw(r.Context(), ident.Address, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAccountView(acct))
}

func (h *Handler) getStakeAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.stakes.GetProfile(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAccountView(acct))
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	balance, err := h.stakes.GetBalance(r.Context(), address)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"address": address,
		"balance": balance,
	})
}

// --- escrow ---

type createEscrowRequest struct {
	Recipient string    `json:"recipient"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) createEscrow(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	e, err := h.escrows.Create(r.Context(), escrow.CreateParams{
		ID:           uuid.NewString(),
		Sender:       ident.Address,
		Counterparty: strings.TrimSpace(req.Recipient),
		Amount:       req.Amount,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toEscrowView(e))
}

func (h *Handler) getEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toEscrowView(e))
}

type submitProofRequest struct {
	Ref string `json:"ref"`
}

func (h *Handler) submitProof(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req submitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	e, err := h.escrows.SubmitProof(r.Context(), chi.URLParam(r, "id"), ident.Address, strings.TrimSpace(req.Ref))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toEscrowView(e))
}

func (h *Handler) releaseEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.Release)
}

func (h *Handler) refundEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.Refund)
}

func (h *Handler) cancelEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition(w, r, h.escrows.Cancel)
}

func (h *Handler) escrowTransition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, actor string) (escrow.Escrow, error)) {
	ident, _ := identityFromContext(r.Context())
	e, err := op(r.Context(), chi.URLParam(r, "id"), ident.Address)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toEscrowView(e))
}

// --- disputes ---

type openDisputeRequest struct {
	Reason string `json:"reason"`
	Tier   string `json:"tier"`
}

func (h *Handler) openDispute(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	tier := dispute.Tier(req.Tier)
	if tier == "" {
		tier = dispute.TierCommunity
	}
	d, err := h.disputes.Open(r.Context(), dispute.OpenParams{
		EscrowID: chi.URLParam(r, "id"),
		Actor:    ident.Address,
		Reason:   strings.TrimSpace(req.Reason),
		Tier:     tier,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toDisputeView(d))
}

func (h *Handler) getDispute(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputes.GetDispute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toDisputeDetailView(d))
}

type evidenceRequest struct {
	Ref string `json:"ref"`
}

func (h *Handler) submitEvidence(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req evidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.disputes.SubmitEvidence(r.Context(), chi.URLParam(r, "id"), ident.Address, strings.TrimSpace(req.Ref)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "evidence recorded")
}

func (h *Handler) startVoting(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputes.StartVoting(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toDisputeView(d))
}

type voteRequest struct {
	FavorBuyer bool   `json:"favor_buyer"`
	Notes      string `json:"notes"`
}

func (h *Handler) castVote(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	d, err := h.disputes.CastVote(r.Context(), chi.URLParam(r, "id"), ident.Address, req.FavorBuyer, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toDisputeView(d))
}

func (h *Handler) forceResolve(w http.ResponseWriter, r *http.Request) {
	d, err := h.disputes.ForceResolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toDisputeView(d))
}

type adminResolveRequest struct {
	FavorBuyer bool `json:"favor_buyer"`
}

func (h *Handler) adminResolve(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req adminResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	d, err := h.disputes.AdminResolve(r.Context(), chi.URLParam(r, "id"), ident.Address, req.FavorBuyer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toDisputeView(d))
}

// --- arbitrators ---

type registerArbitratorRequest struct {
	Bond int64 `json:"bond"`
}

func (h *Handler) registerArbitrator(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	var req registerArbitratorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	a, err := h.disputes.RegisterArbitrator(r.Context(), ident.Address, req.Bond)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toArbitratorView(a))
}

func (h *Handler) deactivateArbitrator(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFromContext(r.Context())
	if err := h.disputes.DeactivateArbitrator(r.Context(), ident.Address); err != nil {
		h.fail(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "arbitrator deactivated")
}

func (h *Handler) getArbitrator(w http.ResponseWriter, r *http.Request) {
	a, err := h.disputes.GetArbitrator(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, toArbitratorView(a))
}
