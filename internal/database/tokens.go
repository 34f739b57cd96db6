package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const encryptedPrefix = "enc:"

// LatestToken returns the most recently updated token record, or nil if none exists
func (db *DB) LatestToken(ctx context.Context) (*TokenRecord, error) {
	var rec TokenRecord
	var access, refresh string
	err := db.QueryRowContext(ctx, `
		SELECT id, access_token, refresh_token, expires_at, updated_at
		FROM allegro_tokens
		ORDER BY updated_at DESC, id DESC
		LIMIT 1
	`).Scan(&rec.ID, &access, &refresh, &rec.ExpiresAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if rec.AccessToken, err = db.openToken(access); err != nil {
		return nil, err
	}
	if rec.RefreshToken, err = db.openToken(refresh); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveToken updates the record in place when rec.ID is set, otherwise inserts it and sets rec.ID
func (db *DB) SaveToken(ctx context.Context, rec *TokenRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	access, err := db.sealToken(rec.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := db.sealToken(rec.RefreshToken)
	if err != nil {
		return err
	}

	if rec.ID != 0 {
		result, err := db.ExecContext(ctx, `
			UPDATE allegro_tokens
			SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
			WHERE id = ?
		`, access, refresh, rec.ExpiresAt.UTC(), rec.UpdatedAt.UTC(), rec.ID)
		if err != nil {
			return fmt.Errorf("failed to update token: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			return nil
		}
		// Row vanished underneath us, fall through to insert
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO allegro_tokens (access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, access, refresh, rec.ExpiresAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

func (db *DB) sealToken(token string) (string, error) {
	return SealToken(token, db.tokenKey)
}

func (db *DB) openToken(stored string) (string, error) {
	return OpenToken(stored, db.tokenKey)
}

// SealToken encrypts a token column value. A nil key leaves it in plaintext.
func SealToken(token string, key []byte) (string, error) {
	if key == nil {
		return token, nil
	}
	encrypted, err := EncryptSecret(token, key)
	if err != nil {
		return "", err
	}
	return encryptedPrefix + base64.StdEncoding.EncodeToString(encrypted), nil
}

// OpenToken reverses SealToken. Plaintext values pass through unchanged.
func OpenToken(stored string, key []byte) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}
	if key == nil {
		return "", fmt.Errorf("token is encrypted but no encryption key is configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted token: %w", err)
	}
	return DecryptSecret(raw, key)
}
