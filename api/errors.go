package api

import (
	"errors"
	"net/http"

	"custodia/auth"
	"custodia/dispute"
	"custodia/escrow"
	"custodia/ledger"
	"custodia/policy"
	"custodia/stake"
)

// mapDomainError translates service-layer errors into an HTTP status and a
// stable machine-readable code. Unknown errors become 500s.
func mapDomainError(err error) (int, string) {
	switch {
	// validation
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidExpiry),
		errors.Is(err, stake.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, dispute.ErrBelowMinStake),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "invalid_request"

	// authn
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"

	// authz
	case errors.Is(err, escrow.ErrNotParty),
		errors.Is(err, escrow.ErrNotEntitled),
		errors.Is(err, dispute.ErrNotParty),
		errors.Is(err, dispute.ErrNotPanelist),
		errors.Is(err, stake.ErrBanned),
		errors.Is(err, policy.ErrOrderBlocked):
		return http.StatusForbidden, "forbidden"

	// missing
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, stake.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, dispute.ErrArbitratorNotFound),
		errors.Is(err, auth.ErrParticipantNotFound):
		return http.StatusNotFound, "not_found"

	// state conflicts
	case errors.Is(err, escrow.ErrBadStatus),
		errors.Is(err, escrow.ErrNotExpired),
		errors.Is(err, escrow.ErrProofSubmitted),
		errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, dispute.ErrBadStatus),
		errors.Is(err, dispute.ErrBadTier),
		errors.Is(err, dispute.ErrVotingClosed),
		errors.Is(err, dispute.ErrDeadlineNotReached),
		errors.Is(err, dispute.ErrAlreadyVoted),
		errors.Is(err, dispute.ErrEvidenceExists),
		errors.Is(err, dispute.ErrAlreadyRegistered),
		errors.Is(err, dispute.ErrPanelsOpen),
		errors.Is(err, auth.ErrDuplicateAccount):
		return http.StatusConflict, "conflict"

	// balance and policy rejections
	case errors.Is(err, stake.ErrInsufficientAvailableStake),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, policy.ErrOrderExceedsCollateral):
		return http.StatusUnprocessableEntity, "insufficient_funds"

	// throttles
	case errors.Is(err, policy.ErrRateLimited),
		errors.Is(err, policy.ErrVolumeCapExceeded):
		return http.StatusTooManyRequests, "rate_limited"

	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
