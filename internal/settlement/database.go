package settlement

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) DB() *gorm.DB {
	return d.db
}

func (d *Database) CreateSettlement(tx *gorm.DB, settlement *Settlement) error {
	if tx == nil {
		tx = d.db
	}
	return tx.Create(settlement).Error
}

func (d *Database) CreateLegs(tx *gorm.DB, legs []SettlementLeg) error {
	if tx == nil {
		tx = d.db
	}
	for i := range legs {
		if err := tx.Create(&legs[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) GetSettlement(settlementID string) (*Settlement, error) {
	var settlement Settlement
	if err := d.db.Where("settlement_id = ?", settlementID).First(&settlement).Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (d *Database) GetSettlementByMatchGroup(matchGroup string) (*Settlement, error) {
	var settlement Settlement
	if err := d.db.Where("match_group = ?", matchGroup).First(&settlement).Error; err != nil {
		return nil, err
	}
	return &settlement, nil
}

// CreditBalance adds to an account's holdings, creating the row on first
// credit. Runs on the caller's transaction.
func (d *Database) CreditBalance(tx *gorm.DB, account, currency string, amount uint64) error {
	if tx == nil {
		tx = d.db
	}
	var balance Balance
	err := tx.Where("account = ? AND currency = ?", account, currency).First(&balance).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		balance = Balance{
			Account:   account,
			Currency:  currency,
			Amount:    amount,
			UpdatedAt: time.Now(),
		}
		return tx.Create(&balance).Error
	case err != nil:
		return err
	default:
		balance.Amount += amount
		balance.UpdatedAt = time.Now()
		return tx.Save(&balance).Error
	}
}

func (d *Database) GetBalance(account, currency string) (uint64, error) {
	var balance Balance
	err := d.db.Where("account = ? AND currency = ?", account, currency).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance.Amount, nil
}

func (d *Database) GetAccountBalances(account string) ([]Balance, error) {
	var balances []Balance
	if err := d.db.Where("account = ?", account).Order("currency ASC").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}
