package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/darkpool-api/internal/commitment"
	"github.com/ksred/darkpool-api/internal/matching"
	"github.com/ksred/darkpool-api/internal/orderbook"
	"github.com/ksred/darkpool-api/internal/settlement"
	"github.com/ksred/darkpool-api/internal/types"
	"github.com/ksred/darkpool-api/internal/zk"
)

// Config tunes the batch cadence and the retry ceilings for external calls.
type Config struct {
	BatchInterval  time.Duration
	MaxAttempts    uint64        // retry ceiling for proof request / submission
	InitialBackoff time.Duration // first backoff interval
	PollInterval   time.Duration // receipt polling cadence
	MaxPolls       int           // polls before the receipt counts as lost
	FeeTier        uint32        // fee tier of the pools batches settle against
}

func DefaultConfig() Config {
	return Config{
		BatchInterval:  30 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: 250 * time.Millisecond,
		PollInterval:   500 * time.Millisecond,
		MaxPolls:       20,
		FeeTier:        30,
	}
}

// Coordinator drives orders from submission through matching, proof request,
// verification and settlement. Each matching proceeds in its own goroutine so
// many orders can sit in ProofRequested while others match and settle.
type Coordinator struct {
	orders  *orderbook.Service
	matcher *matching.Matcher
	engine  *settlement.Engine
	prover  zk.ProofBackend
	ledger  zk.VerificationLedger
	cfg     Config

	// claimless counts batch windows a Pending order has been seen without a
	// notional claim. Touched only from the batch loop.
	claimless map[string]int

	wg sync.WaitGroup
}

// claimlessWindows is how many batch windows an order may sit Pending
// without a notional claim before it is rejected.
const claimlessWindows = 2

func New(orders *orderbook.Service, matcher *matching.Matcher, engine *settlement.Engine,
	prover zk.ProofBackend, ledger zk.VerificationLedger, cfg Config) *Coordinator {
	return &Coordinator{
		orders:    orders,
		matcher:   matcher,
		engine:    engine,
		prover:    prover,
		ledger:    ledger,
		cfg:       cfg,
		claimless: make(map[string]int),
	}
}

// Start runs the batch-window loop until the context is cancelled, then
// waits for in-flight matchings to finish.
func (c *Coordinator) Start(ctx context.Context) {
	logger := log.With().Str("component", "coordinator").Logger()
	logger.Info().Dur("batch_interval", c.cfg.BatchInterval).Msg("starting batch coordinator")

	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down batch coordinator")
			c.wg.Wait()
			return
		case <-ticker.C:
			if err := c.RunBatch(ctx); err != nil {
				logger.Error().Err(err).Msg("batch run failed")
			}
		}
	}
}

// Wait blocks until every in-flight matching pipeline has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// RunBatch snapshots the Pending book, builds the matching plan and launches
// one pipeline per matching.
func (c *Coordinator) RunBatch(ctx context.Context) error {
	logger := log.With().Str("component", "coordinator").Logger()

	snapshot, err := c.orders.ListByStatus(types.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to snapshot pending orders: %w", err)
	}
	snapshot = c.sweepClaimless(snapshot)
	if len(snapshot) == 0 {
		return nil
	}

	plan := c.matcher.BuildPlan(snapshot)
	logger.Info().
		Int("pending", len(snapshot)).
		Int("matchings", len(plan)).
		Msg("batch window matched")

	for i := range plan {
		m := plan[i]
		m.MatchingID = "MTC_" + uuid.New().String()

		if !c.claimOrders(&m) {
			continue
		}
		c.materializeResiduals(&m)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.processMatching(ctx, m)
		}()
	}

	return nil
}

// sweepClaimless filters orders whose in-memory notional claim is gone (the
// process restarted since submission). They cannot be matched, so after
// claimlessWindows sightings they are rejected with a retryable reason
// instead of pooling in Pending forever.
func (c *Coordinator) sweepClaimless(snapshot []types.Order) []types.Order {
	live := snapshot[:0]
	for _, order := range snapshot {
		if order.Notional > 0 {
			delete(c.claimless, order.OrderID)
			live = append(live, order)
			continue
		}
		c.claimless[order.OrderID]++
		if c.claimless[order.OrderID] < claimlessWindows {
			continue
		}
		delete(c.claimless, order.OrderID)
		if _, err := c.orders.Transition(order.OrderID, types.StatusRejected, types.ReasonClaimLost); err != nil {
			log.Warn().Err(err).
				Str("order_id", order.OrderID).
				Str("component", "coordinator").
				Msg("failed to reject order with lost claim")
			continue
		}
		log.Info().
			Str("order_id", order.OrderID).
			Str("component", "coordinator").
			Msg("rejected order whose notional claim did not survive restart")
	}
	return live
}

// claimOrders moves a matching's orders from Pending to Matched. The status
// graph is forward-only, so a lost race (e.g. a concurrent withdrawal)
// rejects the whole matching rather than rolling anything back.
func (c *Coordinator) claimOrders(m *matching.Matching) bool {
	var claimed []string
	for _, orderID := range m.OrderIDs {
		if _, err := c.orders.Transition(orderID, types.StatusMatched, ""); err != nil {
			log.Warn().Err(err).
				Str("order_id", orderID).
				Str("matching_id", m.MatchingID).
				Str("component", "coordinator").
				Msg("failed to claim order for matching")
			c.rejectAll(claimed, types.ReasonInvalidTransition)
			return false
		}
		claimed = append(claimed, orderID)
		if err := c.orders.SetMatchGroup(orderID, m.MatchingID); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("failed to link match group")
		}
	}
	return true
}

// materializeResiduals re-enters the unfilled remainders of partial fills as
// fresh Pending orders for the next batch window.
func (c *Coordinator) materializeResiduals(m *matching.Matching) {
	for _, spec := range m.Residuals {
		parent, err := c.orders.GetOrder(spec.ParentOrderID)
		if err != nil || parent == nil {
			log.Error().Err(err).
				Str("parent_order_id", spec.ParentOrderID).
				Str("component", "coordinator").
				Msg("failed to fetch parent for residual")
			continue
		}
		if _, err := c.orders.CreateResidual(parent, spec.Notional, spec.Seq); err != nil {
			log.Error().Err(err).
				Str("parent_order_id", spec.ParentOrderID).
				Str("component", "coordinator").
				Msg("failed to materialize residual order")
		}
	}
}

// processMatching runs one matching through proof request, verification and
// settlement.
func (c *Coordinator) processMatching(ctx context.Context, m matching.Matching) {
	logger := log.With().
		Str("matching_id", m.MatchingID).
		Str("pair", m.Pair.String()).
		Str("component", "coordinator").
		Logger()

	for _, orderID := range m.OrderIDs {
		if _, err := c.orders.Transition(orderID, types.StatusProofRequested, ""); err != nil {
			logger.Warn().Err(err).Str("order_id", orderID).Msg("failed to enter proof request")
			c.rejectAll(m.OrderIDs, types.ReasonInvalidTransition)
			return
		}
	}

	batch, err := c.buildBatch(&m)
	if err != nil {
		logger.Error().Err(err).Msg("failed to assemble proof batch")
		c.rejectAll(m.OrderIDs, types.ReasonExternalServiceUnavailable)
		return
	}

	artifact, err := c.requestProof(ctx, batch)
	if err != nil {
		logger.Error().Err(err).Msg("proof request exhausted retries")
		c.rejectAll(m.OrderIDs, types.ReasonExternalServiceUnavailable)
		return
	}

	receipt, err := c.verifyProof(ctx, artifact)
	if err != nil {
		logger.Error().Err(err).Msg("proof verification unavailable")
		c.rejectAll(m.OrderIDs, types.ReasonExternalServiceUnavailable)
		return
	}
	if receipt.Status != zk.ReceiptVerified || receipt.AttestationID == "" {
		logger.Warn().
			Str("proof_id", receipt.ProofID).
			Str("status", receipt.Status).
			Msg("batch not authorized to settle")
		c.rejectAll(m.OrderIDs, types.ReasonVerificationFailed)
		return
	}

	for _, orderID := range m.OrderIDs {
		if _, err := c.orders.Transition(orderID, types.StatusVerified, ""); err != nil {
			logger.Warn().Err(err).Str("order_id", orderID).Msg("failed to mark verified")
			c.rejectAll(m.OrderIDs, types.ReasonInvalidTransition)
			return
		}
	}

	if err := c.settle(ctx, &m); err != nil {
		reason := types.ReasonCode(err)
		if reason == "" {
			reason = "SETTLEMENT_FAILED"
		}
		logger.Error().Err(err).Str("reason", reason).Msg("settlement failed, rejecting matching")
		c.rejectAll(m.OrderIDs, reason)
		return
	}

	logger.Info().Int("orders", len(m.OrderIDs)).Msg("matching settled")
}

// buildBatch collects the matching's public inputs. Raw amounts never leave
// the order book: the proof backend sees only commitments, nullifiers and
// the batch root.
func (c *Coordinator) buildBatch(m *matching.Matching) (zk.Batch, error) {
	var batch zk.Batch
	for _, orderID := range m.OrderIDs {
		order, err := c.orders.GetOrder(orderID)
		if err != nil {
			return batch, err
		}
		if order == nil {
			return batch, fmt.Errorf("order %s not found", orderID)
		}
		batch.Commitments = append(batch.Commitments, order.Commitment)
		batch.Nullifiers = append(batch.Nullifiers, order.Nullifier)
	}
	batch.MerkleRoot = commitment.BatchRoot(batch.Commitments)
	return batch, nil
}

func (c *Coordinator) newBackoff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialBackoff
	return backoff.WithMaxRetries(backoff.WithContext(expo, ctx), c.cfg.MaxAttempts)
}

func (c *Coordinator) requestProof(ctx context.Context, batch zk.Batch) (*zk.ProofArtifact, error) {
	var artifact *zk.ProofArtifact
	err := backoff.Retry(func() error {
		var err error
		artifact, err = c.prover.RequestProof(ctx, batch)
		return err
	}, c.newBackoff(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExternalServiceUnavailable, err)
	}
	return artifact, nil
}

// verifyProof submits the artifact and polls the ledger until the receipt is
// terminal or the polling ceiling is reached.
func (c *Coordinator) verifyProof(ctx context.Context, artifact *zk.ProofArtifact) (*zk.Receipt, error) {
	var receipt *zk.Receipt
	err := backoff.Retry(func() error {
		var err error
		receipt, err = c.ledger.SubmitProof(ctx, artifact)
		return err
	}, c.newBackoff(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrExternalServiceUnavailable, err)
	}

	proofID := receipt.ProofID
	for i := 0; i < c.cfg.MaxPolls; i++ {
		if receipt.Status != zk.ReceiptPending {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrExternalServiceUnavailable, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}
		receipt, err = c.ledger.PollReceipt(ctx, proofID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrExternalServiceUnavailable, err)
		}
	}
	return nil, fmt.Errorf("%w: receipt still pending after %d polls", types.ErrExternalServiceUnavailable, c.cfg.MaxPolls)
}

// settle executes the settlement, retrying only when another settlement
// holds the same pool. Settlement itself is never retried: a failed one
// needs a fresh matching cycle.
func (c *Coordinator) settle(ctx context.Context, m *matching.Matching) error {
	req := &settlement.Request{
		PoolKey:   types.PoolKey{Pair: m.Pair, FeeTier: c.cfg.FeeTier},
		Matchings: []matching.Matching{*m},
	}
	return backoff.Retry(func() error {
		_, err := c.engine.Execute(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrSettlementConflict) {
			return err // pool busy, retry with backoff
		}
		return backoff.Permanent(err)
	}, c.newBackoff(ctx))
}

// rejectAll moves orders to Rejected with a machine-readable reason. Orders
// already terminal are left alone.
func (c *Coordinator) rejectAll(orderIDs []string, reason string) {
	for _, orderID := range orderIDs {
		if _, err := c.orders.Transition(orderID, types.StatusRejected, reason); err != nil {
			log.Debug().Err(err).
				Str("order_id", orderID).
				Str("component", "coordinator").
				Msg("order already terminal, not rejecting")
		}
	}
}
