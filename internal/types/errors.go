package types

import "errors"

// Domain errors. Each maps to a machine-readable reason code that is surfaced
// through the API and recorded on rejected orders.
var (
	ErrDuplicateCommitment        = errors.New("commitment already registered")
	ErrNullifierReused            = errors.New("nullifier already consumed")
	ErrInvalidTransition          = errors.New("invalid order status transition")
	ErrInvalidOrder               = errors.New("invalid order")
	ErrInsufficientClaim          = errors.New("insufficient claim balance")
	ErrExternalServiceUnavailable = errors.New("external service unavailable")
	ErrSettlementConflict         = errors.New("concurrent settlement on pool")
	ErrVerificationFailed         = errors.New("proof verification failed")
)

// Reason codes for the error taxonomy.
const (
	ReasonDuplicateCommitment        = "DUPLICATE_COMMITMENT"
	ReasonNullifierReused            = "NULLIFIER_REUSED"
	ReasonInvalidTransition          = "INVALID_TRANSITION"
	ReasonInvalidOrder               = "INVALID_ORDER"
	ReasonInsufficientClaim          = "INSUFFICIENT_CLAIM"
	ReasonExternalServiceUnavailable = "EXTERNAL_SERVICE_UNAVAILABLE"
	ReasonSettlementConflict         = "SETTLEMENT_CONFLICT"
	ReasonVerificationFailed         = "VERIFICATION_FAILED"

	// ReasonClaimLost marks an order whose in-memory notional claim did not
	// survive a restart. The order is rejected so the trader can resubmit;
	// the commitment itself stays registered.
	ReasonClaimLost = "CLAIM_LOST"
)

// ReasonCode maps a domain error to its reason code. Unknown errors map to
// an empty string so callers can fall back to a generic code.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateCommitment):
		return ReasonDuplicateCommitment
	case errors.Is(err, ErrNullifierReused):
		return ReasonNullifierReused
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, ErrInvalidOrder):
		return ReasonInvalidOrder
	case errors.Is(err, ErrInsufficientClaim):
		return ReasonInsufficientClaim
	case errors.Is(err, ErrExternalServiceUnavailable):
		return ReasonExternalServiceUnavailable
	case errors.Is(err, ErrSettlementConflict):
		return ReasonSettlementConflict
	case errors.Is(err, ErrVerificationFailed):
		return ReasonVerificationFailed
	default:
		return ""
	}
}
