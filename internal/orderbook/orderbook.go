package orderbook

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/ksred/darkpool-api/pkg/response"
)

// Service is the order book: it owns order lifecycle records and the
// in-memory notional claims that never touch the database.
type Service struct {
	db          *Database
	commitments *commitment.Service

	mu        sync.Mutex
	locks     map[string]*sync.Mutex // per-order transition locks
	notionals map[string]uint64      // order_id -> claimed notional, memory only
}

func NewService(gormDB *gorm.DB, commitments *commitment.Service) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		commitments: commitments,
		locks:       make(map[string]*sync.Mutex),
		notionals:   make(map[string]uint64),
	}
}

func (s *Service) lockFor(orderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[orderID] = l
	}
	return l
}

func notionalBytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// SubmitOrder validates the request, registers the order's commitment,
// derives its nullifier and persists the order as Pending. The notional claim
// is cached in memory only.
func (s *Service) SubmitOrder(trader string, req *SubmitRequest, idempotencyKey string) (*types.Order, error) {
	logger := log.With().
		Str("trader", trader).
		Str("service", "orderbook").
		Logger()

	// Idempotent resubmission returns the original order.
	if record, err := s.db.GetIdempotencyRecord(idempotencyKey); err == nil && record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetOrder(record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			existing.Notional = s.Notional(existing.OrderID)
			return existing, nil
		}
	}

	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	blindingFactor, err := hex.DecodeString(req.BlindingFactor)
	if err != nil {
		return nil, fmt.Errorf("%w: blinding factor is not valid hex", types.ErrInvalidOrder)
	}
	traderSecret, err := hex.DecodeString(req.TraderSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: trader secret is not valid hex", types.ErrInvalidOrder)
	}

	commitmentHash, err := s.commitments.RegisterCommitment(
		trader, req.TokenIn, req.TokenOut, notionalBytes(req.Notional), blindingFactor)
	if err != nil {
		return nil, err
	}
	nullifierHash := s.commitments.DeriveNullifier(traderSecret, commitmentHash)

	order := &types.Order{
		OrderID:    "ORD_" + uuid.New().String(),
		Trader:     trader,
		TokenIn:    req.TokenIn,
		TokenOut:   req.TokenOut,
		Side:       req.Side,
		Commitment: commitmentHash,
		Nullifier:  nullifierHash,
		Status:     types.StatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		Notional:   req.Notional,
	}

	if err := s.db.CreateOrderWithIdempotency(order, idempotencyKey); err != nil {
		return nil, err
	}
	s.setNotional(order.OrderID, req.Notional)

	logger.Info().
		Str("order_id", order.OrderID).
		Str("pair", types.NewPairKey(req.TokenIn, req.TokenOut).String()).
		Str("side", req.Side).
		Msg("order submitted")

	return order, nil
}

func validateSubmit(req *SubmitRequest) error {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", types.ErrInvalidOrder)
	}
	if req.TokenIn == "" || req.TokenOut == "" || req.TokenIn == req.TokenOut {
		return fmt.Errorf("%w: malformed asset pair", types.ErrInvalidOrder)
	}

	// Side is relative to the pair's normalized base asset: BUY receives it,
	// SELL pays it. Without this binding two same-direction orders could
	// carry opposite labels and be paired against each other.
	base := types.NewPairKey(req.TokenIn, req.TokenOut).TokenA
	if req.Side == types.SideBuy && req.TokenOut != base {
		return fmt.Errorf("%w: BUY must receive the base asset %s", types.ErrInvalidOrder, base)
	}
	if req.Side == types.SideSell && req.TokenIn != base {
		return fmt.Errorf("%w: SELL must pay the base asset %s", types.ErrInvalidOrder, base)
	}

	if req.Notional == 0 {
		return fmt.Errorf("%w: zero notional", types.ErrInvalidOrder)
	}
	if req.Notional > math.MaxInt64 {
		return fmt.Errorf("%w: notional exceeds the settlement range", types.ErrInvalidOrder)
	}
	return nil
}

// CreateResidual materializes the unfilled remainder of a partially matched
// parent as a fresh Pending order. The residual keeps the parent's commitment
// lineage: its commitment binds the reduced notional to the parent
// commitment, and its nullifier derives from the parent's.
func (s *Service) CreateResidual(parent *types.Order, notional uint64, seq int) (*types.Order, error) {
	parentCommitment, err := hex.DecodeString(parent.Commitment)
	if err != nil {
		return nil, fmt.Errorf("parent commitment is not valid hex: %w", err)
	}

	commitmentHash, err := s.commitments.RegisterCommitment(
		parent.Trader, parent.TokenIn, parent.TokenOut, notionalBytes(notional), parentCommitment)
	if err != nil {
		return nil, err
	}

	parentNullifier, err := hex.DecodeString(parent.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("parent nullifier is not valid hex: %w", err)
	}
	nullifierHash := s.commitments.DeriveNullifier(parentNullifier, commitmentHash)

	residual := &types.Order{
		OrderID:       fmt.Sprintf("%s/r%d", parent.OrderID, seq),
		Trader:        parent.Trader,
		TokenIn:       parent.TokenIn,
		TokenOut:      parent.TokenOut,
		Side:          parent.Side,
		Commitment:    commitmentHash,
		Nullifier:     nullifierHash,
		Status:        types.StatusPending,
		ParentOrderID: parent.OrderID,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		Notional:      notional,
	}

	if err := s.db.CreateOrder(residual); err != nil {
		return nil, err
	}
	s.setNotional(residual.OrderID, notional)

	log.Info().
		Str("order_id", residual.OrderID).
		Str("parent_order_id", parent.OrderID).
		Str("service", "orderbook").
		Msg("residual order created")

	return residual, nil
}

// GetOrder retrieves an order by its ID.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil || order == nil {
		return order, err
	}
	order.Notional = s.Notional(orderID)
	return order, nil
}

// GetOrderByOrderIDAndTrader retrieves an order scoped to its owner.
func (s *Service) GetOrderByOrderIDAndTrader(orderID, trader string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndTrader(orderID, trader)
}

// ListByStatus returns orders in a lifecycle state, oldest first, with their
// in-memory notional claims attached. Orders whose claims were lost (process
// restart) come back with a zero notional and are skipped by the matcher.
func (s *Service) ListByStatus(status string) ([]types.Order, error) {
	orders, err := s.db.ListByStatus(status)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Notional = s.Notional(orders[i].OrderID)
	}
	return orders, nil
}

// Transition moves an order along the status graph. Concurrent attempts on
// the same order serialize on a per-order lock; a request for an edge that is
// not in the graph fails with ErrInvalidTransition and leaves the order
// untouched.
func (s *Service) Transition(orderID, newStatus, reason string) (*types.Order, error) {
	return s.TransitionTx(nil, orderID, newStatus, reason)
}

// TransitionTx is Transition writing through the caller's transaction, used
// by the settlement engine to flip statuses inside its atomic commit.
func (s *Service) TransitionTx(tx *gorm.DB, orderID, newStatus, reason string) (*types.Order, error) {
	l := s.lockFor(orderID)
	l.Lock()
	defer l.Unlock()

	order, err := s.db.GetOrderTx(tx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %s not found", types.ErrInvalidTransition, orderID)
	}
	if !types.CanTransition(order.Status, newStatus) {
		return order, fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, order.Status, newStatus)
	}

	order.Status = newStatus
	order.RejectReason = reason
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(tx, order); err != nil {
		return nil, err
	}

	log.Debug().
		Str("order_id", orderID).
		Str("status", newStatus).
		Str("service", "orderbook").
		Msg("order transitioned")

	return order, nil
}

// SetMatchGroup links an order to the matching that includes it.
func (s *Service) SetMatchGroup(orderID, matchGroup string) error {
	l := s.lockFor(orderID)
	l.Lock()
	defer l.Unlock()

	order, err := s.db.GetOrder(orderID)
	if err != nil || order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}
	order.MatchGroup = matchGroup
	order.UpdatedAt = time.Now()
	return s.db.UpdateOrder(nil, order)
}

// Withdraw cancels an order. Only Pending orders may be withdrawn: once a
// proof has been requested the commitment is bound and the order must run to
// Verified or Rejected.
func (s *Service) Withdraw(orderID, trader string) (*types.Order, error) {
	l := s.lockFor(orderID)
	l.Lock()
	defer l.Unlock()

	order, err := s.db.GetOrderByOrderIDAndTrader(orderID, trader)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}
	if order.Status != types.StatusPending {
		return order, fmt.Errorf("%w: cannot withdraw order in state %s", types.ErrInvalidTransition, order.Status)
	}

	order.Status = types.StatusRejected
	order.RejectReason = "WITHDRAWN"
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(nil, order); err != nil {
		return nil, err
	}
	s.clearNotional(orderID)

	return order, nil
}

// Notional returns the in-memory claimed notional for an order, zero when no
// claim is held.
func (s *Service) Notional(orderID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notionals[orderID]
}

func (s *Service) setNotional(orderID string, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notionals[orderID] = n
}

func (s *Service) clearNotional(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notionals, orderID)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SubmitOrderHandler handles POST requests to submit hidden orders.
// Requires a valid JWT token and idempotency key in headers.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		trader := auth.GetClientID(claims)
		if trader == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitOrder(trader, &req, idempotencyKey)
		response.Handle(c, order, err)
	}
}

// GetOrderStatusHandler handles GET requests for an order's lifecycle state.
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		trader := auth.GetClientID(claims)
		if trader == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderByOrderIDAndTrader(orderID, trader)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// WithdrawOrderHandler handles DELETE requests to withdraw Pending orders.
// URL parameter: order_id
func (h *GinHandlers) WithdrawOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		trader := auth.GetClientID(claims)
		if trader == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		orderID := c.Param("order_id")
		order, err := h.service.Withdraw(orderID, trader)
		if err == nil && order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET requests for orders by status.
// Internal endpoint; query parameter: status
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.DefaultQuery("status", types.StatusPending)
		orders, err := h.service.ListByStatus(status)
		response.Handle(c, orders, err)
	}
}
