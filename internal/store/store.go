// Package store keeps the station's read-mostly mirror of cloud orders.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultListLimit = 100

// ErrNotFound is returned by Get for an unknown order.
var ErrNotFound = errors.New("order not found")

// Item is one line of an order.
type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	// Price is in minor currency units.
	Price int64 `json:"price"`
}

// Order is a cloud order as mirrored on the station.
type Order struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id" validate:"required"`
	RestaurantID string    `gorm:"index;size:64;not null" json:"restaurantId" validate:"required"`
	Status       string    `gorm:"size:32" json:"status"`
	Items        []Item    `gorm:"serializer:json" json:"items" validate:"dive"`
	Total        int64     `json:"total" validate:"gte=0"`
	UpdatedAt    time.Time `gorm:"index;autoUpdateTime:false" json:"updatedAt" validate:"required"`
}

// Store is the order mirror.
type Store interface {
	// Upsert writes order unless a version with the same or a later UpdatedAt is stored.
	// It reports whether order was written.
	Upsert(ctx context.Context, order Order) (bool, error)
	Get(ctx context.Context, id string) (Order, error)
	// List returns the most recently updated orders of a restaurant, newest first.
	List(ctx context.Context, restaurantID string, limit int) ([]Order, error)
	Close() error
}

type gormStore struct {
	db *gorm.DB
}

// Open opens, and migrates, the sqlite database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// sqlite allows one writer; an in-memory database exists per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Order{}); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}
	return NewGormStore(db), nil
}

// NewGormStore returns a Store on an already migrated database.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Upsert(ctx context.Context, order Order) (bool, error) {
	order.UpdatedAt = order.UpdatedAt.UTC()

	var written bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Order
		err := tx.Where("id = ?", order.ID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&order).Error; err != nil {
				return fmt.Errorf("failed to create order %s: %w", order.ID, err)
			}
		case err != nil:
			return fmt.Errorf("failed to fetch order %s: %w", order.ID, err)
		case !order.UpdatedAt.After(existing.UpdatedAt):
			return nil
		default:
			if err := tx.Save(&order).Error; err != nil {
				return fmt.Errorf("failed to update order %s: %w", order.ID, err)
			}
		}
		written = true
		return nil
	})
	return written, err
}

func (s *gormStore) Get(ctx context.Context, id string) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}
	return order, nil
}

func (s *gormStore) List(ctx context.Context, restaurantID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("restaurant_id = ?", restaurantID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders of %s: %w", restaurantID, err)
	}
	return orders, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
