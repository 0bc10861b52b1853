package commitment

import (
	"fmt"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateCommitment(record *Record) error {
	return d.db.Create(record).Error
}

func (d *Database) GetCommitment(hash string) (*Record, error) {
	var record Record
	if err := d.db.Where("hash = ?", hash).First(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch commitment: %w", err)
	}
	return &record, nil
}

func (d *Database) AllCommitmentHashes() ([]string, error) {
	var hashes []string
	if err := d.db.Model(&Record{}).Pluck("hash", &hashes).Error; err != nil {
		return nil, err
	}
	return hashes, nil
}

// CreateNullifiers writes nullifier rows through tx so they commit or roll
// back with the caller's settlement transaction.
func (d *Database) CreateNullifiers(tx *gorm.DB, hashes []string) error {
	if tx == nil {
		tx = d.db
	}
	for _, h := range hashes {
		if err := tx.Create(&ConsumedNullifier{Hash: h}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) AllNullifierHashes() ([]string, error) {
	var hashes []string
	if err := d.db.Model(&ConsumedNullifier{}).Pluck("hash", &hashes).Error; err != nil {
		return nil, err
	}
	return hashes, nil
}
