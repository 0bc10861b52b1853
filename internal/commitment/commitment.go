package commitment

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/types"
)

// Service owns the commitment store and the nullifier set. All mutations go
// through its atomic insert/lookup operations; no other component touches the
// underlying tables directly. The in-memory sets are the serialization point,
// the gorm tables are the durable write-through.
type Service struct {
	db *Database

	mu          sync.Mutex
	commitments map[string]struct{}
	nullifiers  map[string]struct{}
}

// NewService creates the manager and warms the in-memory sets from the
// durable tables so that restart does not reopen consumed nullifiers.
func NewService(gormDB *gorm.DB) (*Service, error) {
	s := &Service{
		db:          NewDatabase(gormDB),
		commitments: make(map[string]struct{}),
		nullifiers:  make(map[string]struct{}),
	}

	commitmentHashes, err := s.db.AllCommitmentHashes()
	if err != nil {
		return nil, fmt.Errorf("failed to load commitment store: %w", err)
	}
	for _, h := range commitmentHashes {
		s.commitments[h] = struct{}{}
	}

	nullifierHashes, err := s.db.AllNullifierHashes()
	if err != nil {
		return nil, fmt.Errorf("failed to load nullifier set: %w", err)
	}
	for _, h := range nullifierHashes {
		s.nullifiers[h] = struct{}{}
	}

	log.Info().
		Int("commitments", len(commitmentHashes)).
		Int("nullifiers", len(nullifierHashes)).
		Str("service", "commitment").
		Msg("loaded commitment store and nullifier set")

	return s, nil
}

// hashFields absorbs each input as one field element. Inputs are reduced into
// the scalar field before hashing so the MiMC writer never sees an
// out-of-field block.
func hashFields(inputs ...[]byte) string {
	h := mimc.NewMiMC()
	for _, in := range inputs {
		var e fr.Element
		e.SetBigInt(new(big.Int).SetBytes(in))
		b := e.Bytes()
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BatchRoot folds an ordered set of hashes into a single root, used as the
// aggregate public input handed to the proof backend.
func BatchRoot(hashes []string) string {
	inputs := make([][]byte, 0, len(hashes))
	for _, h := range hashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			b = []byte(h)
		}
		inputs = append(inputs, b)
	}
	return hashFields(inputs...)
}

// RegisterCommitment derives the commitment hash binding the hidden amount,
// the blinding factor, the trader and the asset pair, and appends it to the
// commitment store. Returns ErrDuplicateCommitment if the identical
// commitment already exists.
func (s *Service) RegisterCommitment(trader, tokenIn, tokenOut string, blindedAmount, blindingFactor []byte) (string, error) {
	hash := hashFields(blindedAmount, blindingFactor, []byte(trader), []byte(tokenIn), []byte(tokenOut))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commitments[hash]; exists {
		return "", types.ErrDuplicateCommitment
	}

	record := &Record{
		Hash:     hash,
		Trader:   trader,
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
	}
	if err := s.db.CreateCommitment(record); err != nil {
		return "", fmt.Errorf("failed to persist commitment: %w", err)
	}
	s.commitments[hash] = struct{}{}

	return hash, nil
}

// DeriveNullifier computes the one-time-use nullifier for a commitment. Pure
// derivation, no storage effect: the same secret and commitment always yield
// the same nullifier, so a trader cannot mint two nullifiers for one order.
func (s *Service) DeriveNullifier(traderSecret []byte, commitmentHash string) string {
	commitmentBytes, err := hex.DecodeString(commitmentHash)
	if err != nil {
		// Commitments produced by RegisterCommitment are always valid hex;
		// fall back to the raw bytes for anything else.
		commitmentBytes = []byte(commitmentHash)
	}
	return hashFields(traderSecret, commitmentBytes)
}

// ConsumeNullifier atomically checks and inserts a single nullifier. This is
// the sole double-spend guard: concurrent calls with the same hash resolve so
// that exactly one succeeds.
func (s *Service) ConsumeNullifier(tx *gorm.DB, hash string) error {
	return s.ConsumeAll(tx, []string{hash})
}

// ConsumeAll admits or refuses a batch of nullifiers as a unit. The set lock
// is held across the whole batch so no interleaved consumer can observe a
// partially admitted batch. Rows are written through tx (or the service's own
// connection when tx is nil); if the caller's transaction later rolls back it
// must call Release to reopen the hashes.
func (s *Service) ConsumeAll(tx *gorm.DB, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range hashes {
		if _, seen := s.nullifiers[h]; seen {
			log.Warn().
				Str("nullifier", h).
				Str("service", "commitment").
				Msg("nullifier reuse attempt blocked")
			return types.ErrNullifierReused
		}
	}

	if err := s.db.CreateNullifiers(tx, hashes); err != nil {
		return fmt.Errorf("failed to persist nullifiers: %w", err)
	}

	for _, h := range hashes {
		s.nullifiers[h] = struct{}{}
	}
	return nil
}

// Release reopens nullifiers whose enclosing transaction rolled back. Only
// the settlement engine calls this, and only on its abort path.
func (s *Service) Release(hashes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		delete(s.nullifiers, h)
	}
}

// SeenNullifier reports whether a nullifier has already been consumed.
func (s *Service) SeenNullifier(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.nullifiers[hash]
	return seen
}

// GetCommitment looks up a commitment store entry by exact hash.
func (s *Service) GetCommitment(hash string) (*Record, error) {
	return s.db.GetCommitment(hash)
}
