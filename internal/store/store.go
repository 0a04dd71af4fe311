package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"navdrishti/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection (used by tests).
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetInventoryItem retrieves a catalog item by ID
func (s *Store) GetInventoryItem(ctx context.Context, id int64) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := s.db.GetContext(ctx, &item, "SELECT * FROM inventory_items WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ReserveStock atomically decrements stock, refusing to go below zero.
// Zero rows affected means insufficient stock. An item whose quantity
// reaches zero flips to sold.
func (s *Store) ReserveStock(ctx context.Context, itemID int64, quantity int) error {
	return reserveStockTx(ctx, s.db, itemID, quantity)
}

// RestoreStock increments stock after a cancellation or refund. A sold
// item whose quantity becomes positive flips back to active.
func (s *Store) RestoreStock(ctx context.Context, itemID int64, quantity int) error {
	return restoreStockTx(ctx, s.db, itemID, quantity)
}

// execer covers both *sqlx.DB and *sqlx.Tx so stock mutations compose
// into larger transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func reserveStockTx(ctx context.Context, e execer, itemID int64, quantity int) error {
	res, err := e.ExecContext(ctx, `
		UPDATE inventory_items
		SET quantity = quantity - $1,
		    status = CASE WHEN quantity - $1 <= 0 THEN 'sold' ELSE status END,
		    updated_at = NOW()
		WHERE id = $2 AND quantity >= $1`,
		quantity, itemID)
	if err != nil {
		return fmt.Errorf("failed to reserve stock for item %d: %w", itemID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrInsufficientStock
	}
	return nil
}

func restoreStockTx(ctx context.Context, e execer, itemID int64, quantity int) error {
	_, err := e.ExecContext(ctx, `
		UPDATE inventory_items
		SET quantity = quantity + $1,
		    status = CASE WHEN status = 'sold' THEN 'active' ELSE status END,
		    updated_at = NOW()
		WHERE id = $2`,
		quantity, itemID)
	if err != nil {
		return fmt.Errorf("failed to restore stock for item %d: %w", itemID, err)
	}
	return nil
}
