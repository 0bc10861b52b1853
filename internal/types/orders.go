package types

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses. The graph is strictly forward:
// PENDING -> MATCHED -> PROOF_REQUESTED -> VERIFIED -> SETTLED,
// with REJECTED reachable from any non-terminal state.
const (
	StatusPending        = "PENDING"
	StatusMatched        = "MATCHED"
	StatusProofRequested = "PROOF_REQUESTED"
	StatusVerified       = "VERIFIED"
	StatusSettled        = "SETTLED"
	StatusRejected       = "REJECTED"
)

// Order is a hidden swap order. The commitment binds the hidden amount,
// blinding factor, trader and asset pair; the nullifier is consumed exactly
// once at settlement to block replay. The notional claim is only ever held in
// memory by the order book: it is never persisted or serialized.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string    `gorm:"uniqueIndex" json:"order_id"`
	Trader        string    `json:"trader"`
	TokenIn       string    `json:"token_in"`
	TokenOut      string    `json:"token_out"`
	Side          string    `json:"side"` // BUY or SELL
	Commitment    string    `gorm:"uniqueIndex" json:"commitment"`
	Nullifier     string    `gorm:"uniqueIndex" json:"nullifier"`
	Status        string    `json:"status"`
	MatchGroup    string    `json:"match_group,omitempty"`
	RejectReason  string    `json:"reject_reason,omitempty"`
	ParentOrderID string    `json:"parent_order_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Notional is the trader's claimed amount in base-asset units. It rides
	// with the in-memory book entry only.
	Notional uint64 `gorm:"-" json:"-"`
}

// BaseToken returns the asset the order is buying or selling: the traded
// asset of the pair, in which the notional claim is denominated.
func (o *Order) BaseToken() string {
	if o.Side == SideBuy {
		return o.TokenOut
	}
	return o.TokenIn
}

// QuoteToken returns the other asset of the pair.
func (o *Order) QuoteToken() string {
	if o.Side == SideBuy {
		return o.TokenIn
	}
	return o.TokenOut
}

// PairKey is an unordered asset-pair identifier.
type PairKey struct {
	TokenA string `json:"token_a"`
	TokenB string `json:"token_b"`
}

// NewPairKey normalizes the two assets so that (X, Y) and (Y, X) produce the
// same key.
func NewPairKey(tokenX, tokenY string) PairKey {
	if strings.Compare(tokenX, tokenY) > 0 {
		tokenX, tokenY = tokenY, tokenX
	}
	return PairKey{TokenA: tokenX, TokenB: tokenY}
}

func (k PairKey) String() string {
	return k.TokenA + "/" + k.TokenB
}

// PoolKey identifies one liquidity pool: an asset pair plus a fee tier in
// basis points.
type PoolKey struct {
	Pair    PairKey `json:"pair"`
	FeeTier uint32  `json:"fee_tier"`
}

func (k PoolKey) String() string {
	return k.Pair.String()
}

var transitions = map[string][]string{
	StatusPending:        {StatusMatched, StatusRejected},
	StatusMatched:        {StatusProofRequested, StatusRejected},
	StatusProofRequested: {StatusVerified, StatusRejected},
	StatusVerified:       {StatusSettled, StatusRejected},
	StatusSettled:        {},
	StatusRejected:       {},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing edges.
func IsTerminal(status string) bool {
	return len(transitions[status]) == 0
}
