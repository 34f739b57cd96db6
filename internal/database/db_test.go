package database

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestLatestToken_Empty(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.LatestToken(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveToken_InsertThenUpdateInPlace(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := &TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	require.NoError(t, db.SaveToken(ctx, rec))
	require.NotZero(t, rec.ID)
	firstID := rec.ID

	rec.AccessToken = "access-2"
	rec.RefreshToken = "refresh-2"
	rec.UpdatedAt = time.Time{}
	require.NoError(t, db.SaveToken(ctx, rec))
	assert.Equal(t, firstID, rec.ID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM allegro_tokens`).Scan(&count))
	assert.Equal(t, 1, count)

	latest, err := db.LatestToken(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "access-2", latest.AccessToken)
	assert.Equal(t, "refresh-2", latest.RefreshToken)
	assert.WithinDuration(t, rec.ExpiresAt, latest.ExpiresAt, time.Second)
}

func TestLatestToken_PicksMostRecentlyUpdated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	older := &TokenRecord{AccessToken: "old", RefreshToken: "r", ExpiresAt: time.Now(), UpdatedAt: time.Now().Add(-time.Hour)}
	newer := &TokenRecord{AccessToken: "new", RefreshToken: "r", ExpiresAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, db.SaveToken(ctx, newer))
	require.NoError(t, db.SaveToken(ctx, older))

	latest, err := db.LatestToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.AccessToken)
}

func TestTokenEncryption(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnableTokenEncryption([]byte(strings.Repeat("k", 32))))

	rec := &TokenRecord{AccessToken: "secret-access", RefreshToken: "secret-refresh", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, db.SaveToken(ctx, rec))

	var rawAccess, rawRefresh string
	require.NoError(t, db.QueryRow(`SELECT access_token, refresh_token FROM allegro_tokens`).Scan(&rawAccess, &rawRefresh))
	assert.True(t, strings.HasPrefix(rawAccess, encryptedPrefix))
	assert.NotContains(t, rawRefresh, "secret-refresh")

	latest, err := db.LatestToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret-access", latest.AccessToken)
	assert.Equal(t, "secret-refresh", latest.RefreshToken)
}

func TestEnableTokenEncryption_RejectsShortKey(t *testing.T) {
	db := openTestDB(t)
	assert.Error(t, db.EnableTokenEncryption([]byte("short")))
}

func TestEncryptDecryptSecret(t *testing.T) {
	key := []byte(strings.Repeat("x", 32))

	encrypted, err := EncryptSecret("hello", key)
	require.NoError(t, err)

	plain, err := DecryptSecret(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	_, err = DecryptSecret(encrypted, []byte(strings.Repeat("y", 32)))
	assert.Error(t, err)

	_, err = DecryptSecret([]byte{1, 2}, key)
	assert.Error(t, err)
}

func TestProductCache_FreshAndExpired(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fresh := &CachedProduct{
		ProductID:    "p-fresh",
		Payload:      json.RawMessage(`{"id":"p-fresh","name":"Fresh"}`),
		MainImageURL: "https://img/1.jpg",
		Title:        "Fresh",
		FetchedAt:    time.Now().Add(-23 * time.Hour),
	}
	stale := &CachedProduct{
		ProductID: "p-stale",
		Payload:   json.RawMessage(`{"id":"p-stale"}`),
		FetchedAt: time.Now().Add(-25 * time.Hour),
	}
	require.NoError(t, db.StoreProduct(ctx, fresh))
	require.NoError(t, db.StoreProduct(ctx, stale))

	got, err := db.CachedProduct(ctx, "p-fresh", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fresh", got.Title)
	assert.Equal(t, "https://img/1.jpg", got.MainImageURL)
	assert.JSONEq(t, `{"id":"p-fresh","name":"Fresh"}`, string(got.Payload))
	assert.Nil(t, got.Score)

	got, err = db.CachedProduct(ctx, "p-stale", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = db.CachedProduct(ctx, "missing", 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProductCache_ScoreSurvivesRefetch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.StoreProduct(ctx, &CachedProduct{ProductID: "p1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, db.UpdateProductScore(ctx, "p1", 46))

	require.NoError(t, db.StoreProduct(ctx, &CachedProduct{ProductID: "p1", Payload: json.RawMessage(`{"v":2}`)}))

	got, err := db.CachedProduct(ctx, "p1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 46.0, *got.Score)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
}

func TestListingAttempts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	failed := &ListingAttempt{
		ID:              "a-1",
		WarehouseItemID: "w-1",
		EAN:             "5901234123457",
		ProductID:       "p-1",
		QuantityListed:  5,
		Status:          ListingStatusFailed,
		Error:           strPtr("API error 422: bad"),
		CreatedAt:       time.Now().Add(-time.Minute),
	}
	created := &ListingAttempt{
		ID:              "a-2",
		WarehouseItemID: "w-1",
		EAN:             "5901234123457",
		ProductID:       "p-1",
		OfferID:         strPtr("offer-9"),
		QuantityListed:  5,
		Status:          ListingStatusCreated,
	}

	has, err := db.HasCreatedListing(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, db.AppendListingAttempt(ctx, failed))
	has, err = db.HasCreatedListing(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, db.AppendListingAttempt(ctx, created))
	has, err = db.HasCreatedListing(ctx, "w-1")
	require.NoError(t, err)
	assert.True(t, has)

	attempts, err := db.ListingAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "a-2", attempts[0].ID)
	require.NotNil(t, attempts[0].OfferID)
	assert.Equal(t, "offer-9", *attempts[0].OfferID)
	assert.Nil(t, attempts[0].Error)
	assert.Equal(t, "a-1", attempts[1].ID)
	assert.Nil(t, attempts[1].OfferID)
	require.NotNil(t, attempts[1].Error)

	// Append-only: same id again is rejected
	assert.Error(t, db.AppendListingAttempt(ctx, created))
}

func TestInventoryLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertInventoryItem(ctx, &InventoryItem{
		ID: "w-1", SKU: "SKU-1", Name: "Kubek", EAN: "5901234123457", TotalStock: 12, TargetPrice: 19.999,
	}))

	byID, err := db.InventoryItemByID(ctx, "w-1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "Kubek", byID.Name)
	assert.Equal(t, 12, byID.TotalStock)

	bySKU, err := db.InventoryItemBySKU(ctx, "SKU-1")
	require.NoError(t, err)
	require.NotNil(t, bySKU)
	assert.Equal(t, "w-1", bySKU.ID)

	none, err := db.InventoryItemByID(ctx, "SKU-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, db.UpsertInventoryItem(ctx, &InventoryItem{ID: "w-1", SKU: "SKU-1", Name: "Kubek", TotalStock: 3}))
	byID, err = db.InventoryItemByID(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 3, byID.TotalStock)
}

func TestSessionStore_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	store := NewSessionStore(db, []byte(strings.Repeat("s", 32)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	session, err := store.New(req, "operator")
	require.NoError(t, err)
	assert.True(t, session.IsNew)
	session.Values["warehouseItemId"] = "w-1"
	require.NoError(t, store.Save(req, rec, session))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookies[0])
	loaded, err := store.New(req2, "operator")
	require.NoError(t, err)
	assert.False(t, loaded.IsNew)
	assert.Equal(t, "w-1", loaded.Values["warehouseItemId"])

	removed, err := store.CleanupExpiredSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
