package database

import (
	"context"
	"fmt"
	"time"
)

// AppendListingAttempt writes one audit row. Rows are never updated.
func (db *DB) AppendListingAttempt(ctx context.Context, a *ListingAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO allegro_listing_attempts
		(id, warehouse_item_id, ean, product_id, offer_id, quantity_listed, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.WarehouseItemID, a.EAN, a.ProductID, a.OfferID, a.QuantityListed, a.Status, a.Error, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append listing attempt: %w", err)
	}
	return nil
}

// ListingAttempts returns the most recent attempts, newest first
func (db *DB) ListingAttempts(ctx context.Context, limit int) ([]ListingAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, warehouse_item_id, COALESCE(ean, ''), product_id, offer_id,
		       quantity_listed, status, error, created_at
		FROM allegro_listing_attempts
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []ListingAttempt
	for rows.Next() {
		var a ListingAttempt
		err := rows.Scan(&a.ID, &a.WarehouseItemID, &a.EAN, &a.ProductID, &a.OfferID,
			&a.QuantityListed, &a.Status, &a.Error, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// HasCreatedListing reports whether a CREATED attempt exists for the warehouse item
func (db *DB) HasCreatedListing(ctx context.Context, warehouseItemID string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM allegro_listing_attempts
		WHERE warehouse_item_id = ? AND status = ?
	`, warehouseItemID, ListingStatusCreated).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
