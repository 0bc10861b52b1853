package orderbook

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/darkpool-api/internal/types"
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

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderTx(tx *gorm.DB, orderID string) (*types.Order, error) {
	if tx == nil {
		tx = d.db
	}
	var order types.Order
	if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndTrader(orderID, trader string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND trader = ?", orderID, trader).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListByStatus(status string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("status = ?", status).Order("created_at ASC, id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) UpdateOrder(tx *gorm.DB, order *types.Order) error {
	if tx == nil {
		tx = d.db
	}
	return tx.Save(order).Error
}

// CreateOrderWithIdempotency creates the order and its idempotency record in
// one transaction.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
