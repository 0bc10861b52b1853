package settlement

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/matching"
	"github.com/ksred/darkpool-api/internal/orderbook"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/types"
)

type engineFixture struct {
	db          *gorm.DB
	orders      *orderbook.Service
	commitments *commitment.Service
	pool        *pool.MockPool
	engine      *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Order{},
		&orderbook.IdempotencyRecord{},
		&commitment.Record{},
		&commitment.ConsumedNullifier{},
		&Settlement{},
		&SettlementLeg{},
		&Balance{},
	))

	commitments, err := commitment.NewService(db)
	require.NoError(t, err)
	orders := orderbook.NewService(db, commitments)

	liquidity := pool.NewMockPool()

	return &engineFixture{
		db:          db,
		orders:      orders,
		commitments: commitments,
		pool:        liquidity,
		engine:      NewEngine(db, orders, commitments, liquidity),
	}
}

var blindingSeq int

// submitOrder creates a Pending order with a unique commitment.
func (f *engineFixture) submitOrder(t *testing.T, trader, side string, notional uint64) *types.Order {
	t.Helper()
	tokenIn, tokenOut := "USDC", "ETH"
	if side == types.SideSell {
		tokenIn, tokenOut = "ETH", "USDC"
	}
	blindingSeq++
	req := &orderbook.SubmitRequest{
		TokenIn:        tokenIn,
		TokenOut:       tokenOut,
		Side:           side,
		Notional:       notional,
		BlindingFactor: fmt.Sprintf("aa%06x", blindingSeq),
		TraderSecret:   "bb02",
	}
	order, err := f.orders.SubmitOrder(trader, req, fmt.Sprintf("key-%d", blindingSeq))
	require.NoError(t, err)
	return order
}

// verify walks an order forward to Verified.
func (f *engineFixture) verify(t *testing.T, orderIDs ...string) {
	t.Helper()
	for _, orderID := range orderIDs {
		for _, status := range []string{types.StatusMatched, types.StatusProofRequested, types.StatusVerified} {
			_, err := f.orders.Transition(orderID, status, "")
			require.NoError(t, err)
		}
	}
}

func ethPool(feeTier uint32) types.PoolKey {
	return types.PoolKey{Pair: types.NewPairKey("ETH", "USDC"), FeeTier: feeTier}
}

func TestExecuteDirectMatchConservesPerAsset(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000, 2_000_000) // 1 ETH = 2000 USDC

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	sell := f.submitOrder(t, "CLIENT_SELL", types.SideSell, 100)
	f.verify(t, buy.OrderID, sell.OrderID)

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			Fills:      []matching.Fill{{BuyOrderID: buy.OrderID, SellOrderID: sell.OrderID, BaseAmount: 100}},
			OrderIDs:   []string{buy.OrderID, sell.OrderID},
		}},
	}

	settlement, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, settlement.Status)
	assert.Equal(t, 2, settlement.TransferLegs)
	assert.Equal(t, 0, settlement.SwapLegs)
	assert.Equal(t, "MTC_TEST", settlement.MatchGroup)

	// Buyer receives the base asset, seller its counter-value at the
	// reserve ratio: 100 * 2_000_000 / 1_000 = 200_000.
	buyerETH, err := f.engine.db.GetBalance("CLIENT_BUY", "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), buyerETH)
	sellerUSDC, err := f.engine.db.GetBalance("CLIENT_SELL", "USDC")
	require.NoError(t, err)
	assert.Equal(t, uint64(200_000), sellerUSDC)

	// Both orders settled, both nullifiers consumed.
	for _, orderID := range []string{buy.OrderID, sell.OrderID} {
		order, err := f.orders.GetOrder(orderID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSettled, order.Status)
		assert.True(t, f.commitments.SeenNullifier(order.Nullifier))
	}

	// A direct match never touches the pool.
	reserves, err := f.pool.GetReserves(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), reserves.ReserveA)
	assert.Equal(t, uint64(2_000_000), reserves.ReserveB)
}

func TestExecutePoolFallbackCreditsEngine(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000_000, 1_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	f.verify(t, buy.OrderID)

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			SwapLegs:   []matching.SwapLeg{{OrderID: buy.OrderID, TokenIn: "USDC", TokenOut: "ETH", Amount: -100}},
			OrderIDs:   []string{buy.OrderID},
		}},
	}

	settlement, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0, settlement.TransferLegs)
	assert.Equal(t, 2, settlement.SwapLegs)

	// Swap output is claimed out to the engine account; the input was paid
	// to the pool from the staged claim.
	engineETH, err := f.engine.db.GetBalance(EngineAccount, "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), engineETH) // 1_000_000*100/1_000_100

	order, err := f.orders.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, order.Status)
}

func TestExecuteRequiresVerifiedOrders(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000, 2_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	sell := f.submitOrder(t, "CLIENT_SELL", types.SideSell, 100)
	f.verify(t, buy.OrderID) // sell stays Pending

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			Fills:      []matching.Fill{{BuyOrderID: buy.OrderID, SellOrderID: sell.OrderID, BaseAmount: 100}},
			OrderIDs:   []string{buy.OrderID, sell.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	// Nothing observable happened: no balances, no consumed nullifiers, no
	// status changes.
	buyerETH, err := f.engine.db.GetBalance("CLIENT_BUY", "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), buyerETH)
	assert.False(t, f.commitments.SeenNullifier(buy.Nullifier))
	assert.False(t, f.commitments.SeenNullifier(sell.Nullifier))

	current, err := f.orders.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusVerified, current.Status)
}

func TestExecuteRefusesConsumedNullifier(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000, 2_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	sell := f.submitOrder(t, "CLIENT_SELL", types.SideSell, 100)
	f.verify(t, buy.OrderID, sell.OrderID)

	require.NoError(t, f.commitments.ConsumeNullifier(nil, sell.Nullifier))

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			Fills:      []matching.Fill{{BuyOrderID: buy.OrderID, SellOrderID: sell.OrderID, BaseAmount: 100}},
			OrderIDs:   []string{buy.OrderID, sell.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrNullifierReused)
	// The other order's nullifier stays open.
	assert.False(t, f.commitments.SeenNullifier(buy.Nullifier))
}

func TestExecuteExactlyOnce(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000, 2_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	sell := f.submitOrder(t, "CLIENT_SELL", types.SideSell, 100)
	f.verify(t, buy.OrderID, sell.OrderID)

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			Fills:      []matching.Fill{{BuyOrderID: buy.OrderID, SellOrderID: sell.OrderID, BaseAmount: 100}},
			OrderIDs:   []string{buy.OrderID, sell.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)

	// A replay of the same request cannot apply twice.
	_, err = f.engine.Execute(context.Background(), req)
	require.Error(t, err)

	buyerETH, err := f.engine.db.GetBalance("CLIENT_BUY", "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), buyerETH)
}

func TestExecuteConflictsOnBusyPool(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000, 2_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	sell := f.submitOrder(t, "CLIENT_SELL", types.SideSell, 100)
	f.verify(t, buy.OrderID, sell.OrderID)

	lock := f.engine.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			Fills:      []matching.Fill{{BuyOrderID: buy.OrderID, SellOrderID: sell.OrderID, BaseAmount: 100}},
			OrderIDs:   []string{buy.OrderID, sell.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrSettlementConflict)
}

func TestExecuteRefusesNonComplementaryFill(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000, 2_000_000)

	// Two orders moving the same direction. A fill pairing them would credit
	// the buyer the asset it offered, so the engine must refuse before any
	// value moves.
	buy := f.submitOrder(t, "CLIENT_A", types.SideBuy, 100)
	other := f.submitOrder(t, "CLIENT_B", types.SideBuy, 100)
	f.verify(t, buy.OrderID, other.OrderID)

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			Fills:      []matching.Fill{{BuyOrderID: buy.OrderID, SellOrderID: other.OrderID, BaseAmount: 100}},
			OrderIDs:   []string{buy.OrderID, other.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInvalidOrder)

	// Nothing observable happened.
	for _, account := range []string{"CLIENT_A", "CLIENT_B"} {
		for _, currency := range []string{"ETH", "USDC"} {
			balance, err := f.engine.db.GetBalance(account, currency)
			require.NoError(t, err)
			assert.Equal(t, uint64(0), balance)
		}
	}
	assert.False(t, f.commitments.SeenNullifier(buy.Nullifier))
	assert.False(t, f.commitments.SeenNullifier(other.Nullifier))
}

func TestExecuteSwapPriceLimitAbortsAtomically(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000_000, 1_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	f.verify(t, buy.OrderID)

	// Spending 100 USDC yields 99 ETH at these reserves; a floor of 1_000
	// cannot be met, so the swap refuses and the settlement aborts whole.
	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			SwapLegs: []matching.SwapLeg{{
				OrderID: buy.OrderID, TokenIn: "USDC", TokenOut: "ETH",
				Amount: -100, PriceLimit: 1_000,
			}},
			OrderIDs: []string{buy.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	require.Error(t, err)

	// No observable write: order still Verified, nullifier open, reserves
	// untouched, nothing claimed out to the engine account.
	order, err := f.orders.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusVerified, order.Status)
	assert.False(t, f.commitments.SeenNullifier(buy.Nullifier))

	reserves, err := f.pool.GetReserves(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), reserves.ReserveA)
	assert.Equal(t, uint64(1_000_000), reserves.ReserveB)

	engineETH, err := f.engine.db.GetBalance(EngineAccount, "ETH")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), engineETH)
}

func TestExecuteRefusesNonExactInputSwapLeg(t *testing.T) {
	f := newEngineFixture(t)
	key := ethPool(0)
	f.pool.Register(key, 1_000_000, 1_000_000)

	buy := f.submitOrder(t, "CLIENT_BUY", types.SideBuy, 100)
	f.verify(t, buy.OrderID)

	req := &Request{
		PoolKey: key,
		Matchings: []matching.Matching{{
			MatchingID: "MTC_TEST",
			Pair:       key.Pair,
			SwapLegs:   []matching.SwapLeg{{OrderID: buy.OrderID, TokenIn: "USDC", TokenOut: "ETH", Amount: 100}},
			OrderIDs:   []string{buy.OrderID},
		}},
	}

	_, err := f.engine.Execute(context.Background(), req)
	require.Error(t, err)
	assert.False(t, f.commitments.SeenNullifier(buy.Nullifier))
}
