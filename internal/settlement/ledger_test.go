package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/darkpool-api/internal/types"
)

func TestClaimLedgerStageAndDebit(t *testing.T) {
	l := newClaimLedger()
	l.Stage("ETH", 100)
	l.Stage("ETH", 50)

	require.NoError(t, l.Debit("ETH", 120))
	assert.Equal(t, uint64(30), l.Remaining("ETH"))
	assert.False(t, l.Drained())

	require.NoError(t, l.Debit("ETH", 30))
	assert.True(t, l.Drained())
}

func TestClaimLedgerRefusesOverdraft(t *testing.T) {
	l := newClaimLedger()
	l.Stage("ETH", 100)

	err := l.Debit("ETH", 101)
	assert.ErrorIs(t, err, types.ErrInsufficientClaim)
	// A refused debit must not touch the claim.
	assert.Equal(t, uint64(100), l.Remaining("ETH"))

	assert.ErrorIs(t, l.Debit("USDC", 1), types.ErrInsufficientClaim)
}

func TestClaimLedgerDrainedWhenEmpty(t *testing.T) {
	assert.True(t, newClaimLedger().Drained())
}
