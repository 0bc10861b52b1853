package matching

import (
	"github.com/ksred/darkpool-api/internal/types"
)

// Feasibility of a matching, ranked by how much volume settles directly.
const (
	FeasibilityNone         = "NONE"
	FeasibilityDirectCoW    = "DIRECT_COW"
	FeasibilityPartialCoW   = "PARTIAL_COW"
	FeasibilityPoolFallback = "POOL_FALLBACK"
)

// Fill is one matched buy/sell pair. BaseAmount is the matched quantity in
// base-asset units; the counter-leg amount is resolved by the settlement
// engine at the pool's reserve ratio.
type Fill struct {
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	BaseAmount  uint64 `json:"base_amount"`
	Partial     bool   `json:"partial"`
}

// SwapLeg routes an unmatched order against the shared liquidity pool.
// Amount is signed; negative means exact input. PriceLimit is the minimum
// acceptable output, zero means no guard; a swap falling short aborts the
// whole settlement.
type SwapLeg struct {
	OrderID    string `json:"order_id"`
	TokenIn    string `json:"token_in"`
	TokenOut   string `json:"token_out"`
	Amount     int64  `json:"amount"`
	PriceLimit uint64 `json:"price_limit,omitempty"`
}

// ResidualSpec describes the unfilled remainder of a partially matched
// order. The coordinator materializes it as a new Pending order when the
// plan is applied; the plan itself stays a pure function of the snapshot.
type ResidualSpec struct {
	ParentOrderID string `json:"parent_order_id"`
	Notional      uint64 `json:"notional"`
	Seq           int    `json:"seq"`
}

// Matching is the proposed pairing for one asset-pair partition of a batch
// window: the direct fills, the pool-fallback swap legs and the residuals
// they leave behind.
type Matching struct {
	MatchingID  string         `json:"matching_id,omitempty"`
	Pair        types.PairKey  `json:"pair"`
	Feasibility string         `json:"feasibility"`
	Fills       []Fill         `json:"fills"`
	SwapLegs    []SwapLeg      `json:"swap_legs"`
	Residuals   []ResidualSpec `json:"residuals"`
	OrderIDs    []string       `json:"order_ids"`
}
