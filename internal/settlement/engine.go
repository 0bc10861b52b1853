package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/matching"
	"github.com/ksred/darkpool-api/internal/orderbook"
	"github.com/ksred/darkpool-api/internal/pool"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/ksred/darkpool-api/pkg/response"
)

// EngineAccount receives claimed-out positive swap deltas.
const EngineAccount = "ENGINE"

// Request is one settlement execution unit: the finalized legs of one or
// more verified matchings, bound to a single pool.
type Request struct {
	PoolKey   types.PoolKey
	Matchings []matching.Matching
}

// Engine applies a verified settlement exactly once, atomically. Settlements
// against one pool are serialized; disjoint pools run in parallel. Nothing
// the engine owns (nullifier set, order book, balances) is observable until
// the commit transaction succeeds.
type Engine struct {
	db          *Database
	orders      *orderbook.Service
	commitments *commitment.Service
	pool        pool.Pool

	mu        sync.Mutex
	poolLocks map[types.PoolKey]*sync.Mutex
}

func NewEngine(gormDB *gorm.DB, orders *orderbook.Service, commitments *commitment.Service, liquidity pool.Pool) *Engine {
	return &Engine{
		db:          NewDatabase(gormDB),
		orders:      orders,
		commitments: commitments,
		pool:        liquidity,
		poolLocks:   make(map[types.PoolKey]*sync.Mutex),
	}
}

func (e *Engine) lockFor(key types.PoolKey) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.poolLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.poolLocks[key] = l
	}
	return l
}

// resolvedLeg is a transfer leg with its counter-amount fixed at the pool's
// reserve ratio.
type resolvedLeg struct {
	account  string
	currency string
	amount   uint64
}

// Execute runs the settlement protocol: preconditions, claim staging,
// transfer legs, swap legs, delta reconciliation, then a single transaction
// consuming nullifiers and flipping orders to Settled. Any failure before
// the commit point leaves no observable write. Execute is never retried by
// its callers on anything but ErrSettlementConflict.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Settlement, error) {
	logger := log.With().
		Str("pool", req.PoolKey.String()).
		Str("service", "settlement").
		Logger()

	poolLock := e.lockFor(req.PoolKey)
	if !poolLock.TryLock() {
		return nil, types.ErrSettlementConflict
	}
	defer poolLock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Preconditions: every referenced order is Verified and none of their
	// nullifiers have been consumed.
	orders := make(map[string]*types.Order)
	var nullifiers []string
	var matchGroups []string
	for _, m := range req.Matchings {
		matchGroups = append(matchGroups, m.MatchingID)
		for _, orderID := range m.OrderIDs {
			order, err := e.orders.GetOrder(orderID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
			}
			if order == nil {
				return nil, fmt.Errorf("order %s not found", orderID)
			}
			if order.Status != types.StatusVerified {
				return nil, fmt.Errorf("%w: order %s is %s, want %s",
					types.ErrInvalidTransition, orderID, order.Status, types.StatusVerified)
			}
			if e.commitments.SeenNullifier(order.Nullifier) {
				return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNullifierReused)
			}
			orders[orderID] = order
			nullifiers = append(nullifiers, order.Nullifier)
		}
	}

	reserves, err := e.pool.GetReserves(req.PoolKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool reserves: %w", err)
	}

	// Resolve transfer legs: matched base quantity one way, its pool-ratio
	// counter-value the other.
	var transfers []resolvedLeg
	staged := make(map[string]uint64)
	for _, m := range req.Matchings {
		for _, fill := range m.Fills {
			buy, sell := orders[fill.BuyOrderID], orders[fill.SellOrderID]
			if buy.TokenIn != sell.TokenOut || buy.TokenOut != sell.TokenIn {
				return nil, fmt.Errorf("%w: fill %s/%s is not complementary",
					types.ErrInvalidOrder, fill.BuyOrderID, fill.SellOrderID)
			}
			baseToken := sell.BaseToken()
			quoteToken := sell.QuoteToken()

			reserveBase, reserveQuote := reserves.ReserveA, reserves.ReserveB
			if baseToken != req.PoolKey.Pair.TokenA {
				reserveBase, reserveQuote = reserves.ReserveB, reserves.ReserveA
			}
			quoteAmount := pool.MulDiv(fill.BaseAmount, reserveQuote, reserveBase)

			transfers = append(transfers,
				resolvedLeg{account: buy.Trader, currency: baseToken, amount: fill.BaseAmount},
				resolvedLeg{account: sell.Trader, currency: quoteToken, amount: quoteAmount},
			)
			staged[baseToken] += fill.BaseAmount
			staged[quoteToken] += quoteAmount
		}
		for _, leg := range m.SwapLegs {
			if leg.Amount >= 0 {
				return nil, fmt.Errorf("swap leg for order %s is not exact-input", leg.OrderID)
			}
			staged[leg.TokenIn] += uint64(-leg.Amount)
		}
	}

	// Stage the claim-token ledger with everything the engine is authorized
	// to move.
	ledger := newClaimLedger()
	for currency, amount := range staged {
		ledger.Stage(currency, amount)
	}

	// Transfer legs: claim debited, recipient credited at commit.
	credits := make(map[string]map[string]uint64) // account -> currency -> amount
	credit := func(account, currency string, amount uint64) {
		if credits[account] == nil {
			credits[account] = make(map[string]uint64)
		}
		credits[account][currency] += amount
	}
	for _, leg := range transfers {
		if err := ledger.Debit(leg.currency, leg.amount); err != nil {
			logger.Error().Err(err).
				Str("currency", leg.currency).
				Msg("claim ledger underflow, aborting settlement")
			return nil, err
		}
		credit(leg.account, leg.currency, leg.amount)
	}

	// Swap legs: execute against the pool and accumulate signed deltas.
	deltas := make(map[string]int64)
	for _, m := range req.Matchings {
		for _, leg := range m.SwapLegs {
			delta, err := e.pool.Swap(req.PoolKey, leg.TokenIn, leg.Amount, leg.PriceLimit)
			if err != nil {
				return nil, fmt.Errorf("pool swap failed for order %s: %w", leg.OrderID, err)
			}
			for currency, amount := range delta {
				deltas[currency] += amount
			}
		}
	}

	// Reconcile deltas against the ledger: negative pays the pool from the
	// staged claims, positive is claimed out to the engine's own balance.
	currencies := make([]string, 0, len(deltas))
	for currency := range deltas {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	var swapAudit []SettlementLeg
	for _, currency := range currencies {
		amount := deltas[currency]
		switch {
		case amount < 0:
			if err := ledger.Debit(currency, uint64(-amount)); err != nil {
				logger.Error().Err(err).
					Str("currency", currency).
					Msg("swap reconciliation underflow, aborting settlement")
				return nil, err
			}
		case amount > 0:
			credit(EngineAccount, currency, uint64(amount))
		}
		swapAudit = append(swapAudit, SettlementLeg{
			Kind:     LegSwap,
			Account:  EngineAccount,
			Currency: currency,
			Amount:   amount,
		})
	}

	// Conservation: staged claims must be spent exactly, per asset.
	if !ledger.Drained() {
		logger.Error().Msg("claim ledger not drained, conservation violated")
		return nil, fmt.Errorf("claim ledger not drained: %w", types.ErrInsufficientClaim)
	}

	settlement := &Settlement{
		SettlementID: "STL_" + uuid.New().String(),
		MatchGroup:   joinGroups(matchGroups),
		TokenA:       req.PoolKey.Pair.TokenA,
		TokenB:       req.PoolKey.Pair.TokenB,
		FeeTier:      req.PoolKey.FeeTier,
		Status:       StatusExecuted,
		TransferLegs: len(transfers),
		SwapLegs:     len(swapAudit),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	legs := make([]SettlementLeg, 0, len(transfers)+len(swapAudit))
	for _, t := range transfers {
		legs = append(legs, SettlementLeg{
			SettlementID: settlement.SettlementID,
			Kind:         LegTransfer,
			Account:      t.account,
			Currency:     t.currency,
			Amount:       int64(t.amount),
		})
	}
	for _, leg := range swapAudit {
		leg.SettlementID = settlement.SettlementID
		legs = append(legs, leg)
	}

	// Commit boundary: one transaction for balances, settlement record,
	// nullifier consumption and status flips. Nullifiers are re-opened if
	// the transaction aborts after they were admitted.
	consumed := false
	txErr := e.db.DB().Transaction(func(tx *gorm.DB) error {
		if err := e.db.CreateSettlement(tx, settlement); err != nil {
			return err
		}
		if err := e.db.CreateLegs(tx, legs); err != nil {
			return err
		}
		accounts := make([]string, 0, len(credits))
		for account := range credits {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			for _, currency := range sortedKeys(credits[account]) {
				if err := e.db.CreditBalance(tx, account, currency, credits[account][currency]); err != nil {
					return err
				}
			}
		}
		if err := e.commitments.ConsumeAll(tx, nullifiers); err != nil {
			return err
		}
		consumed = true
		for orderID := range orders {
			if _, err := e.orders.TransitionTx(tx, orderID, types.StatusSettled, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		if consumed {
			e.commitments.Release(nullifiers)
		}
		return nil, fmt.Errorf("settlement commit failed: %w", txErr)
	}

	logger.Info().
		Str("settlement_id", settlement.SettlementID).
		Int("transfer_legs", settlement.TransferLegs).
		Int("swap_legs", settlement.SwapLegs).
		Int("orders", len(orders)).
		Msg("settlement executed")

	return settlement, nil
}

func joinGroups(groups []string) string {
	out := ""
	for i, g := range groups {
		if i > 0 {
			out += ","
		}
		out += g
	}
	return out
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetSettlement retrieves a settlement by ID.
func (e *Engine) GetSettlement(settlementID string) (*Settlement, error) {
	return e.db.GetSettlement(settlementID)
}

// GetSettlementByMatchGroup resolves the settlement that executed a matching.
func (e *Engine) GetSettlementByMatchGroup(matchGroup string) (*Settlement, error) {
	return e.db.GetSettlementByMatchGroup(matchGroup)
}

// GetAccountBalances retrieves an account's settled balances.
func (e *Engine) GetAccountBalances(account string) ([]Balance, error) {
	return e.db.GetAccountBalances(account)
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	engine *Engine
}

func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementID := c.Param("settlement_id")

		settlement, err := h.engine.GetSettlement(settlementID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, &SettlementResponse{
			SettlementID: settlement.SettlementID,
			MatchGroup:   settlement.MatchGroup,
			Pool:         settlement.TokenA + "/" + settlement.TokenB,
			Status:       settlement.Status,
			TransferLegs: settlement.TransferLegs,
			SwapLegs:     settlement.SwapLegs,
			Timestamp:    settlement.UpdatedAt,
		})
	}
}

// GetMatchingSettlementHandler resolves a match group to its settlement.
// URL parameter: match_group
func (h *GinHandlers) GetMatchingSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		matchGroup := c.Param("match_group")

		settlement, err := h.engine.GetSettlementByMatchGroup(matchGroup)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, &SettlementResponse{
			SettlementID: settlement.SettlementID,
			MatchGroup:   settlement.MatchGroup,
			Pool:         settlement.TokenA + "/" + settlement.TokenB,
			Status:       settlement.Status,
			TransferLegs: settlement.TransferLegs,
			SwapLegs:     settlement.SwapLegs,
			Timestamp:    settlement.UpdatedAt,
		})
	}
}

func (h *GinHandlers) GetBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.Param("account")
		balances, err := h.engine.GetAccountBalances(account)
		response.Handle(c, balances, err)
	}
}
