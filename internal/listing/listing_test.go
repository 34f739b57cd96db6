package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/ranking"
)

// fakeMarketplace records calls and returns canned answers
type fakeMarketplace struct {
	mu         sync.Mutex
	products   []allegro.Product
	searchErr  error
	offerErr   error
	offerID    string
	searches   []string
	offerCalls []allegro.OfferRequest
}

func (f *fakeMarketplace) SearchByEAN(ctx context.Context, ean string) ([]allegro.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, ean)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.products, nil
}

func (f *fakeMarketplace) CreateOffer(ctx context.Context, req allegro.OfferRequest) (*allegro.OfferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCalls = append(f.offerCalls, req)
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	id := f.offerID
	if id == "" {
		id = fmt.Sprintf("offer-%d", len(f.offerCalls))
	}
	return &allegro.OfferResult{ID: id, OperationID: "op-1", PublicationStatus: "ACTIVE"}, nil
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "listing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedItem(t *testing.T, db *database.DB, id, sku string, stock int) {
	t.Helper()
	require.NoError(t, db.UpsertInventoryItem(context.Background(), &database.InventoryItem{
		ID:          id,
		SKU:         sku,
		Name:        "Kubek ceramiczny 300ml",
		EAN:         "5901234123457",
		TotalStock:  stock,
		TargetPrice: 24.999,
	}))
}

func attempts(t *testing.T, db *database.DB) []database.ListingAttempt {
	t.Helper()
	rows, err := db.ListingAttempts(context.Background(), 100)
	require.NoError(t, err)
	return rows
}

func TestCreateOffer_InsufficientStock(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 4)
	market := &fakeMarketplace{}
	svc := NewService(db, market, Options{})

	_, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-1")

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 4, stockErr.Available)
	assert.Equal(t, MinimumStock, stockErr.Required)
	assert.Empty(t, market.offerCalls, "no upstream call")
	assert.Empty(t, attempts(t, db), "no attempt row of any status")
}

func TestCreateOffer_ListsFixedQuantity(t *testing.T) {
	for _, stock := range []int{5, 500} {
		t.Run(fmt.Sprintf("stock=%d", stock), func(t *testing.T) {
			db := openTestDB(t)
			seedItem(t, db, "w-1", "SKU-1", stock)
			market := &fakeMarketplace{offerID: "X"}
			svc := NewService(db, market, Options{})

			summary, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-1")
			require.NoError(t, err)
			assert.Equal(t, "X", summary.OfferID)
			assert.Equal(t, database.ListingStatusCreated, summary.Status)
			assert.Equal(t, 5, summary.QuantityListed)
			assert.Equal(t, "op-1", summary.OperationID)

			require.Len(t, market.offerCalls, 1)
			req := market.offerCalls[0]
			assert.Equal(t, 5, req.Quantity)
			assert.Equal(t, "prod-1", req.ProductID)
			assert.Equal(t, "w-1", req.ExternalID)
			assert.Equal(t, "Kubek ceramiczny 300ml", req.Name)
			assert.Equal(t, 24.999, req.Price)

			rows := attempts(t, db)
			require.Len(t, rows, 1)
			assert.Equal(t, database.ListingStatusCreated, rows[0].Status)
			assert.Equal(t, 5, rows[0].QuantityListed)
			require.NotNil(t, rows[0].OfferID)
			assert.Equal(t, "X", *rows[0].OfferID)
			assert.Equal(t, "5901234123457", rows[0].EAN)
			assert.Equal(t, summary.AttemptID, rows[0].ID)
		})
	}
}

func TestCreateOffer_ResolvesBySKU(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 10)
	market := &fakeMarketplace{}
	svc := NewService(db, market, Options{})

	_, err := svc.CreateOfferFromCandidate(context.Background(), "SKU-1", "prod-1")
	require.NoError(t, err)
	require.Len(t, market.offerCalls, 1)
	assert.Equal(t, "SKU-1", market.offerCalls[0].ExternalID)
}

func TestCreateOffer_NotFound(t *testing.T) {
	db := openTestDB(t)
	market := &fakeMarketplace{}
	svc := NewService(db, market, Options{})

	_, err := svc.CreateOfferFromCandidate(context.Background(), "missing", "prod-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, market.offerCalls)
}

func TestCreateOffer_UpstreamFailureIsAudited(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 10)
	upstream := &allegro.APIError{StatusCode: 422, Body: `{"errors":[{"message":"bad category"}]}`}
	market := &fakeMarketplace{offerErr: upstream}
	svc := NewService(db, market, Options{})

	_, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-1")

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	var apiErr *allegro.APIError
	assert.True(t, errors.As(err, &apiErr), "upstream error stays reachable")
	assert.Len(t, market.offerCalls, 1, "not retried")

	rows := attempts(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, database.ListingStatusFailed, rows[0].Status)
	assert.Nil(t, rows[0].OfferID)
	require.NotNil(t, rows[0].Error)
	assert.Contains(t, *rows[0].Error, "bad category")
}

func TestCreateOffer_NotIdempotentByDefault(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 10)
	market := &fakeMarketplace{}
	svc := NewService(db, market, Options{})

	first, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-1")
	require.NoError(t, err)
	second, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.OfferID, second.OfferID)
	assert.Len(t, attempts(t, db), 2)
}

func TestCreateOffer_PreventDuplicates(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 10)
	market := &fakeMarketplace{}
	svc := NewService(db, market, Options{PreventDuplicates: true})

	_, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-1")
	require.NoError(t, err)

	_, err = svc.CreateOfferFromCandidate(context.Background(), "w-1", "prod-2")
	assert.True(t, errors.Is(err, ErrAlreadyListed))
	assert.Len(t, market.offerCalls, 1)
	assert.Len(t, attempts(t, db), 1)
}

func TestProposeCandidates(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 10)
	market := &fakeMarketplace{products: []allegro.Product{
		{ID: "a", Name: "Wiertarka", Images: []allegro.Image{{URL: "1"}}},
		{ID: "b", Name: "Kubek ceramiczny 300ml", Images: []allegro.Image{{URL: "1"}, {URL: "2"}}},
		{ID: "c", Name: "Talerz"},
		{ID: "d", Name: "Kubek", Images: []allegro.Image{{URL: "1"}, {URL: "2"}, {URL: "3"}}},
	}}
	svc := NewService(db, market, Options{Scores: db})

	proposal, err := svc.ProposeCandidates(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"5901234123457"}, market.searches)
	assert.Equal(t, "w-1", proposal.Item.ID)

	require.Len(t, proposal.Candidates, 3)
	assert.Equal(t, "d", proposal.Candidates[0].ID)
	assert.Equal(t, "b", proposal.Candidates[1].ID)
	assert.Equal(t, "a", proposal.Candidates[2].ID)
	require.NotNil(t, proposal.Candidates[1].TitleSimilarity)
	assert.Equal(t, 1.0, *proposal.Candidates[1].TitleSimilarity)
}

func TestProposeCandidates_InvalidEAN(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.UpsertInventoryItem(context.Background(), &database.InventoryItem{
		ID: "w-2", Name: "No barcode", EAN: "abc", TotalStock: 10,
	}))
	market := &fakeMarketplace{}
	svc := NewService(db, market, Options{})

	_, err := svc.ProposeCandidates(context.Background(), "w-2")
	assert.True(t, errors.Is(err, allegro.ErrInvalidEAN))
	assert.Empty(t, market.searches)
}

func TestRankEAN_SearchErrorPropagates(t *testing.T) {
	db := openTestDB(t)
	market := &fakeMarketplace{searchErr: &allegro.APIError{StatusCode: 500, Body: "down"}}
	svc := NewService(db, market, Options{})

	_, err := svc.RankEAN(context.Background(), "5901234123457")
	var apiErr *allegro.APIError
	assert.True(t, errors.As(err, &apiErr))
}

// End to end against a fake Allegro API: search, rank, select, list.
func TestEndToEnd_SearchRankAndList(t *testing.T) {
	db := openTestDB(t)
	seedItem(t, db, "w-1", "SKU-1", 12)
	require.NoError(t, db.SaveToken(context.Background(), &database.TokenRecord{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	var offerBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/sale/products", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5901234123457", r.URL.Query().Get("phrase"))
		fmt.Fprint(w, `{"products":[{"id":"thin"},{"id":"rich"}]}`)
	})
	mux.HandleFunc("/sale/products/thin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"thin","name":"Kubek","images":[],"parameters":[{"id":"1","name":"Kolor","values":["biały"]}]}`)
	})
	mux.HandleFunc("/sale/products/rich", func(w http.ResponseWriter, r *http.Request) {
		desc := strings.Repeat("a", 100)
		fmt.Fprintf(w, `{"id":"rich","name":"Kubek ceramiczny","images":[{"url":"1"},{"url":"2"},{"url":"3"}],
			"parameters":[{"id":"1","name":"Marka","values":["Acme"]},{"id":"2","name":"Kolor","values":["biały"]}],
			"description":%q}`, desc)
	})
	mux.HandleFunc("/sale/product-offers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&offerBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"X","publication":{"status":"ACTIVE"}}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := allegro.NewClient(allegro.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		BaseURL:      server.URL,
		TokenURL:     server.URL + "/token",
	}, db, allegro.WithProductCache(db))
	svc := NewService(db, client, Options{Scores: db})

	require.True(t, allegro.ValidEAN("5901234123457"))
	ranked, err := svc.RankEAN(context.Background(), "5901234123457")
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "rich", ranked[0].ID)
	assert.Equal(t, 46.0, ranked[0].Score)
	assert.Equal(t, "thin", ranked[1].ID)

	top := ranking.Top(ranked, ranking.DefaultTopN)
	require.Len(t, top, 2)

	summary, err := svc.CreateOfferFromCandidate(context.Background(), "w-1", top[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "X", summary.OfferID)
	assert.Equal(t, "CREATED", summary.Status)
	assert.Equal(t, 5, summary.QuantityListed)

	assert.Equal(t, "25.00", offerBody["sellingMode"].(map[string]any)["price"].(map[string]any)["amount"])

	cached, err := db.CachedProduct(context.Background(), "rich", allegro.ProductCacheTTL)
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.NotNil(t, cached.Score)
	assert.Equal(t, 46.0, *cached.Score)
}
