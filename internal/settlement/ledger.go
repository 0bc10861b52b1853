package settlement

import (
	"fmt"

	"github.com/ksred/darkpool-api/internal/types"
)

// claimLedger is the intermediate claim-token accounting for one settlement
// execution: pool-custodied liquidity staged as internal claims so transfer
// and swap legs reconcile before anything external moves. It lives only for
// the duration of Execute and is never persisted.
type claimLedger struct {
	entries map[string]uint64 // currency -> claimable amount
}

func newClaimLedger() *claimLedger {
	return &claimLedger{entries: make(map[string]uint64)}
}

// Stage acquires claims for a currency.
func (l *claimLedger) Stage(currency string, amount uint64) {
	l.entries[currency] += amount
}

// Debit spends a claim. A debit larger than the staged claim means the
// matching plan violated conservation; that is fatal for the settlement.
func (l *claimLedger) Debit(currency string, amount uint64) error {
	held := l.entries[currency]
	if amount > held {
		return fmt.Errorf("%w: need %d %s, hold %d", types.ErrInsufficientClaim, amount, currency, held)
	}
	l.entries[currency] = held - amount
	return nil
}

// Remaining returns the unspent claim in a currency.
func (l *claimLedger) Remaining(currency string) uint64 {
	return l.entries[currency]
}

// Drained reports whether every claim was spent exactly. A clean settlement
// always drains the ledger; leftovers are a conservation violation.
func (l *claimLedger) Drained() bool {
	for _, amount := range l.entries {
		if amount != 0 {
			return false
		}
	}
	return true
}
