package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CachedProduct retrieves a cached product detail.
// Returns nil if not found or older than maxAge (measured from fetched_at).
func (db *DB) CachedProduct(ctx context.Context, productID string, maxAge time.Duration) (*CachedProduct, error) {
	var p CachedProduct
	var payload string
	var score sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT product_id, payload, COALESCE(main_image_url, ''), COALESCE(title, ''), score, fetched_at
		FROM allegro_product_cache
		WHERE product_id = ?
	`, productID).Scan(&p.ProductID, &payload, &p.MainImageURL, &p.Title, &score, &p.FetchedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached product %s: %w", productID, err)
	}

	if time.Since(p.FetchedAt) > maxAge {
		return nil, nil // Expired
	}

	p.Payload = []byte(payload)
	if score.Valid {
		p.Score = &score.Float64
	}
	return &p, nil
}

// StoreProduct saves or replaces a cached product detail
func (db *DB) StoreProduct(ctx context.Context, p *CachedProduct) error {
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO allegro_product_cache (product_id, payload, main_image_url, title, score, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			payload = excluded.payload,
			main_image_url = excluded.main_image_url,
			title = excluded.title,
			score = COALESCE(excluded.score, allegro_product_cache.score),
			fetched_at = excluded.fetched_at
	`, p.ProductID, string(p.Payload), p.MainImageURL, p.Title, p.Score, p.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to cache product %s: %w", p.ProductID, err)
	}
	return nil
}

// UpdateProductScore records the latest ranking score of a cached product
func (db *DB) UpdateProductScore(ctx context.Context, productID string, score float64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE allegro_product_cache SET score = ? WHERE product_id = ?
	`, score, productID)
	return err
}
