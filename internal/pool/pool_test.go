package pool

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/darkpool-api/internal/types"
)

func ethUSDC(feeTier uint32) types.PoolKey {
	return types.PoolKey{Pair: types.NewPairKey("ETH", "USDC"), FeeTier: feeTier}
}

func TestSwapConstantProduct(t *testing.T) {
	p := NewMockPool()
	key := ethUSDC(0) // zero fee tier keeps the expected output easy to state
	p.Register(key, 1_000_000, 1_000_000)

	delta, err := p.Swap(key, "USDC", -100_000, 0)
	require.NoError(t, err)

	// out = reserveOut * in / (reserveIn + in) = 1_000_000*100_000/1_100_000
	assert.Equal(t, int64(-100_000), delta["USDC"])
	assert.Equal(t, int64(90_909), delta["ETH"])

	reserves, err := p.GetReserves(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_100_000), reserves.ReserveB)
	assert.Equal(t, uint64(1_000_000-90_909), reserves.ReserveA)
}

func TestSwapChargesFeeOnInput(t *testing.T) {
	p := NewMockPool()
	free := ethUSDC(0)
	fee := types.PoolKey{Pair: types.NewPairKey("WBTC", "USDC"), FeeTier: 30}
	p.Register(free, 1_000_000, 1_000_000)
	p.Register(fee, 1_000_000, 1_000_000)

	freeDelta, err := p.Swap(free, "USDC", -100_000, 0)
	require.NoError(t, err)
	feeDelta, err := p.Swap(fee, "USDC", -100_000, 0)
	require.NoError(t, err)

	assert.Less(t, feeDelta["WBTC"], freeDelta["ETH"])
}

func TestSwapRejectsNonExactInput(t *testing.T) {
	p := NewMockPool()
	key := ethUSDC(30)
	p.Register(key, 1_000_000, 1_000_000)

	_, err := p.Swap(key, "USDC", 100, 0)
	assert.Error(t, err)
	_, err = p.Swap(key, "USDC", 0, 0)
	assert.Error(t, err)
}

func TestSwapPriceLimit(t *testing.T) {
	p := NewMockPool()
	key := ethUSDC(0)
	p.Register(key, 1_000_000, 1_000_000)

	_, err := p.Swap(key, "USDC", -100_000, 95_000)
	assert.Error(t, err)

	delta, err := p.Swap(key, "USDC", -100_000, 90_000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, delta["ETH"], int64(90_000))
}

func TestSwapUnknownTokenAndPool(t *testing.T) {
	p := NewMockPool()
	key := ethUSDC(30)
	p.Register(key, 1_000_000, 1_000_000)

	_, err := p.Swap(key, "WBTC", -100, 0)
	assert.Error(t, err)

	_, err = p.Swap(types.PoolKey{Pair: types.NewPairKey("ARB", "USDC"), FeeTier: 30}, "USDC", -100, 0)
	assert.Error(t, err)
	_, err = p.GetReserves(types.PoolKey{Pair: types.NewPairKey("ARB", "USDC"), FeeTier: 30})
	assert.Error(t, err)
}

func TestAutoProvision(t *testing.T) {
	p := NewMockPool()
	p.AutoProvision = true
	p.DefaultReserves = 500_000

	key := types.PoolKey{Pair: types.NewPairKey("ARB", "USDC"), FeeTier: 30}
	reserves, err := p.GetReserves(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), reserves.ReserveA)
	assert.Equal(t, uint64(500_000), reserves.ReserveB)

	_, err = p.Swap(key, "USDC", -1_000, 0)
	assert.NoError(t, err)
}

func TestSwapZeroOutputRefused(t *testing.T) {
	p := NewMockPool()
	key := ethUSDC(30)
	p.Register(key, 1, 1_000_000_000)

	// One unit of ETH reserve cannot pay out anything for a dust input.
	_, err := p.Swap(key, "USDC", -1, 0)
	assert.Error(t, err)
}

func TestMulDivWideIntermediate(t *testing.T) {
	// a*b overflows uint64; the big.Int intermediate must not.
	a := uint64(math.MaxUint32) * 3
	assert.Equal(t, a, MulDiv(a, math.MaxUint64, math.MaxUint64))
	assert.Equal(t, uint64(0), MulDiv(1, 1, 0))
	assert.Equal(t, uint64(50), MulDiv(100, 1, 2))
}
