package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/darkpool-api/internal/types"
)

func order(id, side string, notional uint64) types.Order {
	tokenIn, tokenOut := "USDC", "ETH"
	if side == types.SideSell {
		tokenIn, tokenOut = "ETH", "USDC"
	}
	return types.Order{
		OrderID:  id,
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
		Side:     side,
		Status:   types.StatusPending,
		Notional: notional,
	}
}

func TestBuildPlanDirectMatch(t *testing.T) {
	m := NewMatcher(0)

	plan := m.BuildPlan([]types.Order{
		order("buy-1", types.SideBuy, 100),
		order("sell-1", types.SideSell, 100),
	})

	require.Len(t, plan, 1)
	matching := plan[0]
	assert.Equal(t, FeasibilityDirectCoW, matching.Feasibility)
	require.Len(t, matching.Fills, 1)
	assert.Equal(t, Fill{BuyOrderID: "buy-1", SellOrderID: "sell-1", BaseAmount: 100}, matching.Fills[0])
	assert.Empty(t, matching.Residuals)
	assert.Empty(t, matching.SwapLegs)
	assert.ElementsMatch(t, []string{"buy-1", "sell-1"}, matching.OrderIDs)
}

func TestBuildPlanSameDirectionOrdersNeverFill(t *testing.T) {
	m := NewMatcher(0)

	// Both orders pay ETH and want USDC: the same economic direction, even
	// though the side labels disagree. Pairing them as a fill would hand the
	// buyer back the asset it offered, so both must route to the pool.
	plan := m.BuildPlan([]types.Order{
		{OrderID: "a-1", TokenIn: "ETH", TokenOut: "USDC", Side: types.SideBuy, Status: types.StatusPending, Notional: 100},
		{OrderID: "a-2", TokenIn: "ETH", TokenOut: "USDC", Side: types.SideSell, Status: types.StatusPending, Notional: 100},
	})

	require.Len(t, plan, 1)
	matching := plan[0]
	assert.Equal(t, FeasibilityPoolFallback, matching.Feasibility)
	assert.Empty(t, matching.Fills)
	require.Len(t, matching.SwapLegs, 2)
	for _, leg := range matching.SwapLegs {
		assert.Equal(t, "ETH", leg.TokenIn)
		assert.Equal(t, int64(-100), leg.Amount)
	}
}

func TestBuildPlanPartialMatchEmitsResidual(t *testing.T) {
	m := NewMatcher(0)

	plan := m.BuildPlan([]types.Order{
		order("buy-1", types.SideBuy, 100),
		order("sell-1", types.SideSell, 60),
	})

	require.Len(t, plan, 1)
	matching := plan[0]
	assert.Equal(t, FeasibilityPartialCoW, matching.Feasibility)
	require.Len(t, matching.Fills, 1)
	assert.Equal(t, uint64(60), matching.Fills[0].BaseAmount)
	assert.True(t, matching.Fills[0].Partial)

	require.Len(t, matching.Residuals, 1)
	assert.Equal(t, ResidualSpec{ParentOrderID: "buy-1", Notional: 40, Seq: 1}, matching.Residuals[0])
}

func TestBuildPlanPoolFallback(t *testing.T) {
	m := NewMatcher(0)

	plan := m.BuildPlan([]types.Order{
		order("buy-1", types.SideBuy, 100),
		order("buy-2", types.SideBuy, 50),
	})

	require.Len(t, plan, 1)
	matching := plan[0]
	assert.Equal(t, FeasibilityPoolFallback, matching.Feasibility)
	assert.Empty(t, matching.Fills)
	require.Len(t, matching.SwapLegs, 2)
	// Exact-input convention: negative amounts denominated in token_in.
	assert.Equal(t, SwapLeg{OrderID: "buy-1", TokenIn: "USDC", TokenOut: "ETH", Amount: -100}, matching.SwapLegs[0])
	assert.Equal(t, SwapLeg{OrderID: "buy-2", TokenIn: "USDC", TokenOut: "ETH", Amount: -50}, matching.SwapLegs[1])
}

func TestBuildPlanMixedFillAndFallback(t *testing.T) {
	m := NewMatcher(0)

	plan := m.BuildPlan([]types.Order{
		order("buy-1", types.SideBuy, 100),
		order("buy-2", types.SideBuy, 70),
		order("sell-1", types.SideSell, 100),
	})

	require.Len(t, plan, 1)
	matching := plan[0]
	assert.Equal(t, FeasibilityDirectCoW, matching.Feasibility)
	require.Len(t, matching.Fills, 1)
	assert.Equal(t, "buy-1", matching.Fills[0].BuyOrderID)
	require.Len(t, matching.SwapLegs, 1)
	assert.Equal(t, "buy-2", matching.SwapLegs[0].OrderID)
}

func TestBuildPlanToleranceAbsorbsSmallImbalance(t *testing.T) {
	m := NewMatcher(5)

	plan := m.BuildPlan([]types.Order{
		order("buy-1", types.SideBuy, 100),
		order("sell-1", types.SideSell, 97),
	})

	require.Len(t, plan, 1)
	matching := plan[0]
	assert.Equal(t, FeasibilityDirectCoW, matching.Feasibility)
	require.Len(t, matching.Fills, 1)
	assert.Equal(t, uint64(97), matching.Fills[0].BaseAmount)
	assert.False(t, matching.Fills[0].Partial)
	assert.Empty(t, matching.Residuals)
}

func TestBuildPlanFIFOWithinPartition(t *testing.T) {
	m := NewMatcher(0)

	// Snapshot is oldest-first; the oldest buy pairs with the oldest sell.
	plan := m.BuildPlan([]types.Order{
		order("buy-old", types.SideBuy, 100),
		order("sell-old", types.SideSell, 100),
		order("buy-new", types.SideBuy, 100),
		order("sell-new", types.SideSell, 100),
	})

	require.Len(t, plan, 1)
	fills := plan[0].Fills
	require.Len(t, fills, 2)
	assert.Equal(t, "buy-old", fills[0].BuyOrderID)
	assert.Equal(t, "sell-old", fills[0].SellOrderID)
	assert.Equal(t, "buy-new", fills[1].BuyOrderID)
	assert.Equal(t, "sell-new", fills[1].SellOrderID)
}

func TestBuildPlanPartitionsByPair(t *testing.T) {
	m := NewMatcher(0)

	eth := order("buy-eth", types.SideBuy, 100)
	wbtc := types.Order{
		OrderID: "sell-wbtc", TokenIn: "WBTC", TokenOut: "USDC",
		Side: types.SideSell, Status: types.StatusPending, Notional: 100,
	}

	plan := m.BuildPlan([]types.Order{eth, wbtc})

	// A buy on one pair never matches a sell on another, even at equal
	// notional; each partition falls back to its own pool.
	require.Len(t, plan, 2)
	assert.Equal(t, types.NewPairKey("ETH", "USDC"), plan[0].Pair)
	assert.Equal(t, FeasibilityPoolFallback, plan[0].Feasibility)
	assert.Equal(t, types.NewPairKey("WBTC", "USDC"), plan[1].Pair)
	assert.Equal(t, FeasibilityPoolFallback, plan[1].Feasibility)
}

func TestBuildPlanSkipsOrdersWithoutNotionalClaim(t *testing.T) {
	m := NewMatcher(0)

	plan := m.BuildPlan([]types.Order{
		order("buy-1", types.SideBuy, 0), // claim lost, e.g. after restart
		order("sell-1", types.SideSell, 100),
	})

	require.Len(t, plan, 1)
	assert.Equal(t, FeasibilityPoolFallback, plan[0].Feasibility)
	require.Len(t, plan[0].SwapLegs, 1)
	assert.Equal(t, "sell-1", plan[0].SwapLegs[0].OrderID)
}

func TestBuildPlanDeterministic(t *testing.T) {
	m := NewMatcher(0)

	snapshot := []types.Order{
		order("buy-1", types.SideBuy, 100),
		order("sell-1", types.SideSell, 60),
		order("buy-2", types.SideBuy, 30),
	}

	first := m.BuildPlan(snapshot)
	second := m.BuildPlan(snapshot)
	assert.Equal(t, first, second)
}

func TestBuildPlanEmptySnapshot(t *testing.T) {
	m := NewMatcher(0)
	assert.Empty(t, m.BuildPlan(nil))
	assert.Empty(t, m.BuildPlan([]types.Order{}))
}
