package allegro

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/julienbonastre/allegro-helpers/internal/database"
)

const (
	// MaxSearchResults caps how many catalog summaries get a detail lookup
	MaxSearchResults = 10
	// ProductCacheTTL is the freshness window of cached product details
	ProductCacheTTL = 24 * time.Hour

	detailConcurrency = 4
)

var eanPattern = regexp.MustCompile(`^(\d{8}|\d{12}|\d{13}|\d{14})$`)

// ValidEAN reports whether s is an 8, 12, 13 or 14 digit barcode
func ValidEAN(s string) bool {
	return eanPattern.MatchString(s)
}

// Product is an Allegro catalog product detail
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    *Category       `json:"category,omitempty"`
	Images      []Image         `json:"images,omitempty"`
	Parameters  []Parameter     `json:"parameters,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Category references a catalog category
type Category struct {
	ID string `json:"id"`
}

// Image is a product image
type Image struct {
	URL string `json:"url"`
}

// UnmarshalJSON accepts both {"url": "..."} and a bare URL string
func (i *Image) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.URL = s
		return nil
	}
	type plain Image
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Image(p)
	return nil
}

// Parameter is a product parameter such as brand or model
type Parameter struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Values []string `json:"values,omitempty"`
}

// MainImageURL returns the first image URL, or ""
func (p *Product) MainImageURL() string {
	if len(p.Images) == 0 {
		return ""
	}
	return p.Images[0].URL
}

type productSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type searchResponse struct {
	Products []productSummary `json:"products"`
	Items    []productSummary `json:"items"`
}

// SearchByEAN looks up catalog products matching the barcode and returns up to
// MaxSearchResults details in summary order. Details that fail to load are skipped.
func (c *Client) SearchByEAN(ctx context.Context, ean string) ([]Product, error) {
	if !ValidEAN(ean) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEAN, ean)
	}

	query := url.Values{"phrase": {ean}, "mode": {"GTIN"}}
	raw, err := c.AuthenticatedFetch(ctx, http.MethodGet, "/sale/products?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog search for %s: %w", ean, err)
	}

	var result searchResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("failed to decode search response: %w", err)
		}
	}
	summaries := result.Products
	if len(summaries) == 0 {
		summaries = result.Items
	}
	if len(summaries) > MaxSearchResults {
		summaries = summaries[:MaxSearchResults]
	}

	details := make([]*Product, len(summaries))
	var g errgroup.Group
	g.SetLimit(detailConcurrency)
	for i, s := range summaries {
		if s.ID == "" {
			log.Printf("Skipping catalog summary without id for EAN %s", ean)
			continue
		}
		g.Go(func() error {
			p, err := c.Product(ctx, s.ID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("Skipping product %s for EAN %s: %v", s.ID, ean, err)
				c.metrics.RecordDetailFetchFailure()
				return nil
			}
			details[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("catalog details for %s: %w", ean, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("catalog details for %s: %w", ean, err)
	}

	products := make([]Product, 0, len(details))
	for _, p := range details {
		if p != nil {
			products = append(products, *p)
		}
	}
	return products, nil
}

// Product returns a product detail, served from the cache when fresher than ProductCacheTTL
func (c *Client) Product(ctx context.Context, productID string) (*Product, error) {
	if c.cache != nil {
		cached, err := c.cache.CachedProduct(ctx, productID, ProductCacheTTL)
		if err != nil {
			log.Printf("Product cache lookup for %s failed: %v", productID, err)
		}
		if cached != nil {
			if p, err := decodeProduct(cached.Payload); err == nil {
				c.metrics.RecordCacheLookup(true)
				return p, nil
			}
		}
		c.metrics.RecordCacheLookup(false)
	}

	raw, err := c.AuthenticatedFetch(ctx, http.MethodGet, "/sale/products/"+url.PathEscape(productID), nil, nil)
	if err != nil {
		return nil, err
	}
	p, err := decodeProduct(raw)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		err := c.cache.StoreProduct(ctx, &database.CachedProduct{
			ProductID:    productID,
			Payload:      p.Raw,
			MainImageURL: p.MainImageURL(),
			Title:        p.Name,
			FetchedAt:    c.now().UTC(),
		})
		if err != nil {
			log.Printf("Failed to cache product %s: %v", productID, err)
		}
	}
	return p, nil
}

func decodeProduct(raw json.RawMessage) (*Product, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty product detail")
	}
	var p Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode product: %w", err)
	}
	p.Raw = raw
	return &p, nil
}
