package database

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Listing attempt statuses
const (
	ListingStatusCreated = "CREATED"
	ListingStatusFailed  = "FAILED"
)

// DB wraps the SQLite database
type DB struct {
	*sql.DB
	tokenKey []byte // AES-256 key for token columns, nil stores plaintext
}

// TokenRecord is a persisted Allegro OAuth token pair
type TokenRecord struct {
	ID           int64     `json:"id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CachedProduct is a cached catalog product detail
type CachedProduct struct {
	ProductID    string          `json:"productId"`
	Payload      json.RawMessage `json:"payload"`
	MainImageURL string          `json:"mainImageUrl,omitempty"`
	Title        string          `json:"title,omitempty"`
	Score        *float64        `json:"score,omitempty"`
	FetchedAt    time.Time       `json:"fetchedAt"`
}

// ListingAttempt is one row of the offer creation audit log
type ListingAttempt struct {
	ID              string    `json:"id"`
	WarehouseItemID string    `json:"warehouseItemId"`
	EAN             string    `json:"ean"`
	ProductID       string    `json:"productId"`
	OfferID         *string   `json:"offerId"`
	QuantityListed  int       `json:"quantityListed"`
	Status          string    `json:"status"` // CREATED or FAILED
	Error           *string   `json:"error"`
	CreatedAt       time.Time `json:"createdAt"`
}

// InventoryItem is a warehouse stock row
type InventoryItem struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	EAN         string    `json:"ean"`
	TotalStock  int       `json:"totalStock"`
	TargetPrice float64   `json:"targetPrice"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Open opens or creates the database
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; serialize through one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{DB: db}, nil
}

// EnableTokenEncryption makes token columns AES-256-GCM encrypted at rest.
// Rows written before encryption was enabled stay readable.
func (db *DB) EnableTokenEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("invalid key length: got %d bytes, expected 32", len(key))
	}
	db.tokenKey = key
	return nil
}
