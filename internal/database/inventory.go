package database

import (
	"context"
	"database/sql"
	"time"
)

const inventoryColumns = `id, COALESCE(sku, ''), name, COALESCE(ean, ''), total_stock, target_price, updated_at`

// InventoryItemByID returns the warehouse row with the given id, or nil
func (db *DB) InventoryItemByID(ctx context.Context, id string) (*InventoryItem, error) {
	return db.inventoryItem(ctx, `SELECT `+inventoryColumns+` FROM warehouse_items WHERE id = ?`, id)
}

// InventoryItemBySKU returns the first warehouse row with the given SKU, or nil
func (db *DB) InventoryItemBySKU(ctx context.Context, sku string) (*InventoryItem, error) {
	return db.inventoryItem(ctx, `SELECT `+inventoryColumns+` FROM warehouse_items WHERE sku = ? ORDER BY id LIMIT 1`, sku)
}

func (db *DB) inventoryItem(ctx context.Context, query, arg string) (*InventoryItem, error) {
	var item InventoryItem
	err := db.QueryRowContext(ctx, query, arg).Scan(&item.ID, &item.SKU, &item.Name, &item.EAN,
		&item.TotalStock, &item.TargetPrice, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpsertInventoryItem saves or updates a warehouse row
func (db *DB) UpsertInventoryItem(ctx context.Context, item *InventoryItem) error {
	item.UpdatedAt = time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO warehouse_items (id, sku, name, ean, total_stock, target_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			ean = excluded.ean,
			total_stock = excluded.total_stock,
			target_price = excluded.target_price,
			updated_at = excluded.updated_at
	`, item.ID, item.SKU, item.Name, item.EAN, item.TotalStock, item.TargetPrice, item.UpdatedAt)
	return err
}
