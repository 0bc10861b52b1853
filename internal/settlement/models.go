package settlement

import (
	"time"

	"gorm.io/gorm"
)

const (
	StatusExecuted = "EXECUTED"
	StatusFailed   = "FAILED"
)

// Settlement is the durable record of one atomic execution unit against a
// single pool. It is written exactly once, inside the commit transaction, so
// a FAILED row only ever comes from the audit path, never from a partially
// applied execution.
type Settlement struct {
	gorm.Model   `json:"-"`
	SettlementID string    `gorm:"uniqueIndex" json:"settlement_id"`
	MatchGroup   string    `json:"match_group"`
	TokenA       string    `json:"token_a"`
	TokenB       string    `json:"token_b"`
	FeeTier      uint32    `json:"fee_tier"`
	Status       string    `json:"status"`
	TransferLegs int       `json:"transfer_legs"`
	SwapLegs     int       `json:"swap_legs"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Leg kinds persisted for audit.
const (
	LegTransfer = "TRANSFER"
	LegSwap     = "SWAP"
)

// SettlementLeg records one balance movement of an executed settlement.
// Amount is signed with the swap convention: negative = paid out to the pool,
// positive = received.
type SettlementLeg struct {
	gorm.Model   `json:"-"`
	SettlementID string    `gorm:"index" json:"settlement_id"`
	Kind         string    `json:"kind"`
	Account      string    `json:"account"`
	Currency     string    `json:"currency"`
	Amount       int64     `json:"amount"`
	CreatedAt    time.Time `json:"created_at"`
}

// Balance is an account's settled holdings in one currency. Only the commit
// transaction of a settlement writes these rows.
type Balance struct {
	gorm.Model `json:"-"`
	Account    string    `gorm:"index:idx_balances_account_currency,unique" json:"account"`
	Currency   string    `gorm:"index:idx_balances_account_currency,unique" json:"currency"`
	Amount     uint64    `json:"amount"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SettlementResponse is the API view of a settlement record.
type SettlementResponse struct {
	SettlementID string    `json:"settlement_id"`
	MatchGroup   string    `json:"match_group"`
	Pool         string    `json:"pool"`
	Status       string    `json:"status"`
	TransferLegs int       `json:"transfer_legs"`
	SwapLegs     int       `json:"swap_legs"`
	Timestamp    time.Time `json:"timestamp"`
}
