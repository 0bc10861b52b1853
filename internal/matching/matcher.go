package matching

import (
	"github.com/rs/zerolog/log"

	"github.com/ksred/darkpool-api/internal/types"
)

// Matcher builds coincidence-of-wants plans over Pending snapshots. Matching
// is feasibility-based, not price-based: amounts stay hidden from everyone
// but the order's owner, so pairing is FIFO on the notional claims and the
// proof backend confirms validity afterwards.
type Matcher struct {
	// Tolerance is the maximum notional difference under which a pair still
	// counts as a direct match. Zero means exact.
	Tolerance uint64
}

func NewMatcher(tolerance uint64) *Matcher {
	return &Matcher{Tolerance: tolerance}
}

// BuildPlan produces zero or more Matchings from a Pending snapshot. It is a
// pure function: re-running it against the same snapshot yields the same
// plan, pairing for pairing and amount for amount. The snapshot is expected
// oldest-first (the order book lists it that way).
func (m *Matcher) BuildPlan(snapshot []types.Order) []Matching {
	logger := log.With().Str("service", "matching").Logger()

	// Partition by unordered asset-pair key, preserving first-seen order so
	// the emitted plan is deterministic.
	partitions := make(map[types.PairKey][]types.Order)
	var keys []types.PairKey
	for _, order := range snapshot {
		if order.Notional == 0 {
			// Zero-notional orders are rejected at submission; a zero here
			// means the in-memory claim is gone (restart) and the order
			// cannot be matched.
			logger.Warn().Str("order_id", order.OrderID).Msg("skipping order without notional claim")
			continue
		}
		key := types.NewPairKey(order.TokenIn, order.TokenOut)
		if _, seen := partitions[key]; !seen {
			keys = append(keys, key)
		}
		partitions[key] = append(partitions[key], order)
	}

	var plan []Matching
	for _, key := range keys {
		matching := m.matchPartition(key, partitions[key])
		if matching.Feasibility == FeasibilityNone {
			continue
		}
		plan = append(plan, matching)
	}

	logger.Debug().
		Int("orders", len(snapshot)).
		Int("matchings", len(plan)).
		Msg("built matching plan")

	return plan
}

// matchPartition greedily pairs the oldest unmatched buy with the oldest
// unmatched sell. Ties on notional within the tolerance settle as a direct
// match; otherwise the overhang re-enters Pending as a residual. Whatever
// cannot be paired inside the window falls back to the pool.
func (m *Matcher) matchPartition(key types.PairKey, orders []types.Order) Matching {
	matching := Matching{
		Pair:        key,
		Feasibility: FeasibilityNone,
	}

	// Classify by token flow, not by the Side label: an order receiving the
	// pair's base asset is a buy, one paying it is a sell. Two orders moving
	// the same direction can then never fill against each other, whatever
	// their labels claim.
	var buys, sells []types.Order
	for _, order := range orders {
		if order.TokenOut == key.TokenA {
			buys = append(buys, order)
		} else {
			sells = append(sells, order)
		}
	}

	bi, si := 0, 0
	sawPartial := false
	for bi < len(buys) && si < len(sells) {
		buy, sell := buys[bi], sells[si]

		matched := buy.Notional
		if sell.Notional < matched {
			matched = sell.Notional
		}
		diff := buy.Notional - sell.Notional
		if sell.Notional > buy.Notional {
			diff = sell.Notional - buy.Notional
		}

		partial := diff > m.Tolerance
		matching.Fills = append(matching.Fills, Fill{
			BuyOrderID:  buy.OrderID,
			SellOrderID: sell.OrderID,
			BaseAmount:  matched,
			Partial:     partial,
		})
		matching.OrderIDs = append(matching.OrderIDs, buy.OrderID, sell.OrderID)

		if partial {
			sawPartial = true
			if buy.Notional > sell.Notional {
				matching.Residuals = append(matching.Residuals, ResidualSpec{
					ParentOrderID: buy.OrderID,
					Notional:      buy.Notional - matched,
					Seq:           1,
				})
			} else {
				matching.Residuals = append(matching.Residuals, ResidualSpec{
					ParentOrderID: sell.OrderID,
					Notional:      sell.Notional - matched,
					Seq:           1,
				})
			}
		}

		bi++
		si++
	}

	// Leftovers route against the pool, exact-input convention.
	for _, order := range append(buys[bi:], sells[si:]...) {
		matching.SwapLegs = append(matching.SwapLegs, SwapLeg{
			OrderID:  order.OrderID,
			TokenIn:  order.TokenIn,
			TokenOut: order.TokenOut,
			Amount:   -int64(order.Notional),
		})
		matching.OrderIDs = append(matching.OrderIDs, order.OrderID)
	}

	switch {
	case sawPartial:
		matching.Feasibility = FeasibilityPartialCoW
	case len(matching.Fills) > 0:
		matching.Feasibility = FeasibilityDirectCoW
	case len(matching.SwapLegs) > 0:
		matching.Feasibility = FeasibilityPoolFallback
	}

	return matching
}
