package pool

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ksred/darkpool-api/internal/types"
)

// PriceState is a pool's reserve snapshot. ReserveA and ReserveB follow the
// normalized pair ordering of types.PairKey.
type PriceState struct {
	ReserveA uint64 `json:"reserve_a"`
	ReserveB uint64 `json:"reserve_b"`
}

// Delta is the signed per-asset result of a swap. Positive means the caller
// receives the asset, negative means the caller pays it.
type Delta map[string]int64

// Pool is the shared liquidity pool the settlement engine routes residual
// legs against. Implementations live outside this system; the engine only
// depends on this interface.
type Pool interface {
	// Swap executes a swap on the pool identified by key. signedAmount is
	// denominated in tokenIn; negative means exact input. priceLimit is the
	// minimum acceptable output amount, zero for no guard.
	Swap(key types.PoolKey, tokenIn string, signedAmount int64, priceLimit uint64) (Delta, error)
	GetReserves(key types.PoolKey) (PriceState, error)
}

type reserves struct {
	a, b uint64
}

// MockPool is a constant-product pool used by the server wiring and tests.
// With AutoProvision set, unknown pools are seeded with DefaultReserves on
// first use so demo traffic never hits a missing pool.
type MockPool struct {
	AutoProvision   bool
	DefaultReserves uint64

	mu    sync.Mutex
	pools map[types.PoolKey]*reserves
}

func NewMockPool() *MockPool {
	return &MockPool{pools: make(map[types.PoolKey]*reserves)}
}

// Register seeds a pool with reserves for the pair's normalized ordering.
func (p *MockPool) Register(key types.PoolKey, reserveA, reserveB uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[key] = &reserves{a: reserveA, b: reserveB}
}

// get resolves a pool, auto-provisioning when configured. Callers hold p.mu.
func (p *MockPool) get(key types.PoolKey) (*reserves, error) {
	r, ok := p.pools[key]
	if !ok {
		if !p.AutoProvision || p.DefaultReserves == 0 {
			return nil, fmt.Errorf("unknown pool %s", key)
		}
		r = &reserves{a: p.DefaultReserves, b: p.DefaultReserves}
		p.pools[key] = r
	}
	return r, nil
}

func (p *MockPool) GetReserves(key types.PoolKey) (PriceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, err := p.get(key)
	if err != nil {
		return PriceState{}, err
	}
	return PriceState{ReserveA: r.a, ReserveB: r.b}, nil
}

// Swap applies a constant-product exact-input swap with the pool's fee tier
// taken off the input.
func (p *MockPool) Swap(key types.PoolKey, tokenIn string, signedAmount int64, priceLimit uint64) (Delta, error) {
	if signedAmount >= 0 {
		return nil, fmt.Errorf("pool %s: only exact-input swaps are supported", key)
	}
	amountIn := uint64(-signedAmount)

	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.get(key)
	if err != nil {
		return nil, err
	}

	var reserveIn, reserveOut *uint64
	var tokenOut string
	switch tokenIn {
	case key.Pair.TokenA:
		reserveIn, reserveOut = &r.a, &r.b
		tokenOut = key.Pair.TokenB
	case key.Pair.TokenB:
		reserveIn, reserveOut = &r.b, &r.a
		tokenOut = key.Pair.TokenA
	default:
		return nil, fmt.Errorf("token %s is not part of pool %s", tokenIn, key)
	}

	// Fee tier is in basis points, charged on the input.
	effectiveIn := MulDiv(amountIn, uint64(10000-key.FeeTier), 10000)
	amountOut := MulDiv(*reserveOut, effectiveIn, *reserveIn+effectiveIn)

	if amountOut == 0 {
		return nil, fmt.Errorf("pool %s: swap output rounds to zero", key)
	}
	if priceLimit > 0 && amountOut < priceLimit {
		return nil, fmt.Errorf("pool %s: output %d below price limit %d", key, amountOut, priceLimit)
	}

	*reserveIn += amountIn
	*reserveOut -= amountOut

	log.Debug().
		Str("pool", key.String()).
		Str("token_in", tokenIn).
		Uint64("amount_in", amountIn).
		Uint64("amount_out", amountOut).
		Str("service", "pool").
		Msg("swap executed")

	return Delta{tokenIn: -int64(amountIn), tokenOut: int64(amountOut)}, nil
}

// MulDiv computes a*b/c with a wide intermediate so the product cannot
// overflow 64 bits. No floating point anywhere in the settlement path.
func MulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	product := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	return product.Div(product, new(big.Int).SetUint64(c)).Uint64()
}
