package orderbook

import (
	"time"

	"gorm.io/gorm"
)

// SubmitRequest is the client payload for a hidden order. The notional and
// blinding inputs are used to build the commitment and the in-memory claim;
// none of them are persisted in plaintext. Side is bound to the token flow:
// a BUY receives the pair's normalized base asset, a SELL pays it, and the
// notional is denominated in that asset.
type SubmitRequest struct {
	TokenIn        string `json:"token_in" binding:"required"`
	TokenOut       string `json:"token_out" binding:"required"`
	Side           string `json:"side" binding:"required"`
	Notional       uint64 `json:"notional" binding:"required"`
	BlindingFactor string `json:"blinding_factor" binding:"required"` // hex
	TraderSecret   string `json:"trader_secret" binding:"required"`   // hex
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
