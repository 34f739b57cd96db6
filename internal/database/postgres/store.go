package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/listing"
)

// Compile-time interface checks.
var (
	_ allegro.TokenStore    = (*Store)(nil)
	_ allegro.ProductCache  = (*Store)(nil)
	_ listing.Store         = (*Store)(nil)
	_ listing.ScoreRecorder = (*Store)(nil)
)

// LatestToken returns the most recently updated token record, or nil if none exists.
func (s *Store) LatestToken(ctx context.Context) (*database.TokenRecord, error) {
	var rec database.TokenRecord
	var access, refresh string
	err := s.pool.QueryRow(ctx, `
		SELECT id, access_token, refresh_token, expires_at, updated_at
		FROM allegro_tokens
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`).Scan(&rec.ID, &access, &refresh, &rec.ExpiresAt, &rec.UpdatedAt)
	if isNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select token: %w", err)
	}

	if rec.AccessToken, err = database.OpenToken(access, s.tokenKey); err != nil {
		return nil, err
	}
	if rec.RefreshToken, err = database.OpenToken(refresh, s.tokenKey); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveToken updates the record in place when rec.ID is set, otherwise inserts it.
func (s *Store) SaveToken(ctx context.Context, rec *database.TokenRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	access, err := database.SealToken(rec.AccessToken, s.tokenKey)
	if err != nil {
		return err
	}
	refresh, err := database.SealToken(rec.RefreshToken, s.tokenKey)
	if err != nil {
		return err
	}

	if rec.ID != 0 {
		tag, err := s.pool.Exec(ctx, `
			UPDATE allegro_tokens
			SET access_token = $1, refresh_token = $2, expires_at = $3, updated_at = $4
			WHERE id = $5
		`, access, refresh, rec.ExpiresAt, rec.UpdatedAt, rec.ID)
		if err != nil {
			return fmt.Errorf("update token: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO allegro_tokens (access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, access, refresh, rec.ExpiresAt, rec.UpdatedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// CachedProduct returns a cached product detail, or nil when missing or older than maxAge.
func (s *Store) CachedProduct(ctx context.Context, productID string, maxAge time.Duration) (*database.CachedProduct, error) {
	var p database.CachedProduct
	var mainImage, title *string
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT product_id, payload, main_image_url, title, score, fetched_at
		FROM allegro_product_cache
		WHERE product_id = $1
	`, productID).Scan(&p.ProductID, &payload, &mainImage, &title, &p.Score, &p.FetchedAt)
	if isNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select cached product: %w", err)
	}
	if time.Since(p.FetchedAt) > maxAge {
		return nil, nil
	}

	p.Payload = payload
	if mainImage != nil {
		p.MainImageURL = *mainImage
	}
	if title != nil {
		p.Title = *title
	}
	return &p, nil
}

// StoreProduct upserts a cached product detail, keeping any recorded score.
func (s *Store) StoreProduct(ctx context.Context, p *database.CachedProduct) error {
	if p.FetchedAt.IsZero() {
		p.FetchedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO allegro_product_cache (product_id, payload, main_image_url, title, score, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			main_image_url = EXCLUDED.main_image_url,
			title = EXCLUDED.title,
			score = COALESCE(EXCLUDED.score, allegro_product_cache.score),
			fetched_at = EXCLUDED.fetched_at
	`, p.ProductID, []byte(p.Payload), p.MainImageURL, p.Title, p.Score, p.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert cached product: %w", err)
	}
	return nil
}

// UpdateProductScore records the latest ranking score of a cached product.
func (s *Store) UpdateProductScore(ctx context.Context, productID string, score float64) error {
	_, err := s.pool.Exec(ctx, `UPDATE allegro_product_cache SET score = $1 WHERE product_id = $2`, score, productID)
	if err != nil {
		return fmt.Errorf("update product score: %w", err)
	}
	return nil
}

// AppendListingAttempt inserts one audit row. Returns ErrDuplicateKey if the id exists.
func (s *Store) AppendListingAttempt(ctx context.Context, a *database.ListingAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO allegro_listing_attempts
		(id, warehouse_item_id, ean, product_id, offer_id, quantity_listed, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.WarehouseItemID, a.EAN, a.ProductID, a.OfferID, a.QuantityListed, a.Status, a.Error, a.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert listing attempt: %w", err)
	}
	return nil
}

// ListingAttempts returns the most recent attempts, newest first.
func (s *Store) ListingAttempts(ctx context.Context, limit int) ([]database.ListingAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, warehouse_item_id, COALESCE(ean, ''), product_id, offer_id,
		       quantity_listed, status, error, created_at
		FROM allegro_listing_attempts
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select listing attempts: %w", err)
	}
	defer rows.Close()

	var attempts []database.ListingAttempt
	for rows.Next() {
		var a database.ListingAttempt
		if err := rows.Scan(&a.ID, &a.WarehouseItemID, &a.EAN, &a.ProductID, &a.OfferID,
			&a.QuantityListed, &a.Status, &a.Error, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan listing attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// HasCreatedListing reports whether a CREATED attempt exists for the warehouse item.
func (s *Store) HasCreatedListing(ctx context.Context, warehouseItemID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM allegro_listing_attempts WHERE warehouse_item_id = $1 AND status = $2
		)
	`, warehouseItemID, database.ListingStatusCreated).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check listing attempts: %w", err)
	}
	return exists, nil
}

const inventoryColumns = `id, COALESCE(sku, ''), name, COALESCE(ean, ''), total_stock, target_price, updated_at`

// InventoryItemByID returns the warehouse row with the given id, or nil.
func (s *Store) InventoryItemByID(ctx context.Context, id string) (*database.InventoryItem, error) {
	return s.inventoryItem(ctx, `SELECT `+inventoryColumns+` FROM warehouse_items WHERE id = $1`, id)
}

// InventoryItemBySKU returns the first warehouse row with the given SKU, or nil.
func (s *Store) InventoryItemBySKU(ctx context.Context, sku string) (*database.InventoryItem, error) {
	return s.inventoryItem(ctx, `SELECT `+inventoryColumns+` FROM warehouse_items WHERE sku = $1 ORDER BY id LIMIT 1`, sku)
}

func (s *Store) inventoryItem(ctx context.Context, query, arg string) (*database.InventoryItem, error) {
	var item database.InventoryItem
	err := s.pool.QueryRow(ctx, query, arg).Scan(&item.ID, &item.SKU, &item.Name, &item.EAN,
		&item.TotalStock, &item.TargetPrice, &item.UpdatedAt)
	if isNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select warehouse item: %w", err)
	}
	return &item, nil
}

// UpsertInventoryItem saves or updates a warehouse row.
func (s *Store) UpsertInventoryItem(ctx context.Context, item *database.InventoryItem) error {
	item.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO warehouse_items (id, sku, name, ean, total_stock, target_price, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			ean = EXCLUDED.ean,
			total_stock = EXCLUDED.total_stock,
			target_price = EXCLUDED.target_price,
			updated_at = EXCLUDED.updated_at
	`, item.ID, item.SKU, item.Name, item.EAN, item.TotalStock, item.TargetPrice, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert warehouse item: %w", err)
	}
	return nil
}
