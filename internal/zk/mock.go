package zk

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MockProver simulates the proof backend: bounded random latency and a
// configurable failure rate, in the spirit of a staging environment.
type MockProver struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // 0-1, probability a request errors
}

func NewMockProver() *MockProver {
	return &MockProver{
		MinLatency:  20 * time.Millisecond,
		MaxLatency:  200 * time.Millisecond,
		FailureRate: 0.02,
	}
}

func (p *MockProver) RequestProof(ctx context.Context, batch Batch) (*ProofArtifact, error) {
	logger := log.With().
		Int("commitments", len(batch.Commitments)).
		Str("service", "zk_prover").
		Logger()

	latency := p.MinLatency
	if p.MaxLatency > p.MinLatency {
		latency += time.Duration(rand.Int63n(int64(p.MaxLatency - p.MinLatency)))
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}

	if rand.Float64() < p.FailureRate {
		logger.Warn().Msg("proof request failed")
		return nil, fmt.Errorf("proof backend unavailable")
	}

	artifact := &ProofArtifact{
		ImageID:      "IMG_" + uuid.New().String(),
		PublicValues: []byte(batch.MerkleRoot),
		ProofBytes:   []byte("PRF_" + uuid.New().String()),
	}
	logger.Info().Str("image_id", artifact.ImageID).Msg("proof generated")
	return artifact, nil
}

type ledgerEntry struct {
	receipt   *Receipt
	remaining int // polls left before the receipt turns terminal
	verify    bool
}

// MockLedger simulates the verification ledger. A submitted proof stays
// pending for PendingPolls polls, then verifies (or fails at FailureRate).
type MockLedger struct {
	PendingPolls int
	FailureRate  float64

	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		PendingPolls: 2,
		FailureRate:  0.02,
		entries:      make(map[string]*ledgerEntry),
	}
}

func (l *MockLedger) SubmitProof(ctx context.Context, artifact *ProofArtifact) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	proofID := "PRF_" + uuid.New().String()
	entry := &ledgerEntry{
		receipt: &Receipt{
			ProofID: proofID,
			Status:  ReceiptPending,
		},
		remaining: l.PendingPolls,
		verify:    rand.Float64() >= l.FailureRate,
	}
	l.entries[proofID] = entry

	log.Info().
		Str("proof_id", proofID).
		Str("image_id", artifact.ImageID).
		Str("service", "zk_ledger").
		Msg("proof submitted for verification")

	return entry.receipt, nil
}

func (l *MockLedger) PollReceipt(ctx context.Context, proofID string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[proofID]
	if !ok {
		return nil, fmt.Errorf("unknown proof %s", proofID)
	}

	if entry.receipt.Status == ReceiptPending {
		if entry.remaining > 0 {
			entry.remaining--
		} else if entry.verify {
			entry.receipt.Status = ReceiptVerified
			entry.receipt.BlockRef = fmt.Sprintf("block-%d", time.Now().UnixNano())
			entry.receipt.AttestationID = "ATT_" + uuid.New().String()
		} else {
			entry.receipt.Status = ReceiptFailed
		}
	}

	receipt := *entry.receipt
	return &receipt, nil
}

// StaticLedger always resolves to the given terminal status on first poll.
// Used by tests and the simulation to force verification outcomes.
type StaticLedger struct {
	Status string
}

func (l *StaticLedger) SubmitProof(ctx context.Context, artifact *ProofArtifact) (*Receipt, error) {
	return &Receipt{ProofID: "PRF_" + uuid.New().String(), Status: ReceiptPending}, nil
}

func (l *StaticLedger) PollReceipt(ctx context.Context, proofID string) (*Receipt, error) {
	receipt := &Receipt{ProofID: proofID, Status: l.Status}
	if l.Status == ReceiptVerified {
		receipt.BlockRef = "block-static"
		receipt.AttestationID = "ATT_static"
	}
	return receipt, nil
}
