package allegro

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
)

// Currency of every offer price
const Currency = "PLN"

// OfferRequest describes an offer built from a catalog product
type OfferRequest struct {
	ProductID  string
	Name       string
	ExternalID string
	Price      float64
	Quantity   int
}

// OfferResult is the creation response
type OfferResult struct {
	ID                string
	OperationID       string
	PublicationStatus string
}

type offerPayload struct {
	ProductSet  []productSetItem `json:"productSet"`
	Name        string           `json:"name,omitempty"`
	SellingMode sellingMode      `json:"sellingMode"`
	Stock       offerStock       `json:"stock"`
	Publication publication      `json:"publication"`
	External    *external        `json:"external,omitempty"`
}

type productSetItem struct {
	Product productRef `json:"product"`
}

type productRef struct {
	ID string `json:"id"`
}

type sellingMode struct {
	Price Amount `json:"price"`
}

// Amount holds monetary values
type Amount struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type offerStock struct {
	Available int `json:"available"`
}

type publication struct {
	Status string `json:"status"`
}

type external struct {
	ID string `json:"id"`
}

type offerResponse struct {
	ID          string       `json:"id"`
	OperationID string       `json:"operationId,omitempty"`
	Publication *publication `json:"publication,omitempty"`
}

// RoundPrice rounds to 2 decimal places
func RoundPrice(v float64) float64 {
	return math.Round(v*100) / 100
}

func buildOfferPayload(req OfferRequest) offerPayload {
	p := offerPayload{
		ProductSet:  []productSetItem{{Product: productRef{ID: req.ProductID}}},
		Name:        req.Name,
		SellingMode: sellingMode{Price: Amount{Amount: fmt.Sprintf("%.2f", RoundPrice(req.Price)), Currency: Currency}},
		Stock:       offerStock{Available: req.Quantity},
		Publication: publication{Status: "ACTIVE"},
	}
	if req.ExternalID != "" {
		p.External = &external{ID: req.ExternalID}
	}
	return p
}

// CreateOffer publishes a product-based offer
func (c *Client) CreateOffer(ctx context.Context, req OfferRequest) (*OfferResult, error) {
	raw, err := c.AuthenticatedFetch(ctx, http.MethodPost, "/sale/product-offers", buildOfferPayload(req), nil)
	if err != nil {
		return nil, err
	}

	var resp offerResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode offer response: %w", err)
		}
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("offer response missing id")
	}

	result := &OfferResult{ID: resp.ID, OperationID: resp.OperationID}
	if resp.Publication != nil {
		result.PublicationStatus = resp.Publication.Status
	}
	return result, nil
}
