package commitment

import (
	"time"

	"gorm.io/gorm"
)

// Record is an entry of the commitment store. Only the trader and asset pair
// are recorded alongside the hash; the committed amount never leaves the
// proof backend boundary. Entries are append-only.
type Record struct {
	gorm.Model `json:"-"`
	Hash       string    `gorm:"uniqueIndex" json:"hash"`
	Trader     string    `json:"trader"`
	TokenIn    string    `json:"token_in"`
	TokenOut   string    `json:"token_out"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Record) TableName() string {
	return "commitments"
}

// ConsumedNullifier is a row of the nullifier set. A hash appears here at
// most once, ever.
type ConsumedNullifier struct {
	gorm.Model `json:"-"`
	Hash       string    `gorm:"uniqueIndex" json:"hash"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ConsumedNullifier) TableName() string {
	return "nullifiers"
}
