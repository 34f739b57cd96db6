package listing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/observability"
	"github.com/julienbonastre/allegro-helpers/internal/ranking"
)

const (
	// MinimumStock is the stock level below which nothing is listed
	MinimumStock = 5
	// QuantityPerOffer is the fixed quantity every offer lists
	QuantityPerOffer = 5
)

// Store is the persistence the listing service needs
type Store interface {
	InventoryItemByID(ctx context.Context, id string) (*database.InventoryItem, error)
	InventoryItemBySKU(ctx context.Context, sku string) (*database.InventoryItem, error)
	AppendListingAttempt(ctx context.Context, a *database.ListingAttempt) error
	HasCreatedListing(ctx context.Context, warehouseItemID string) (bool, error)
}

// ScoreRecorder writes ranking scores back to the product cache
type ScoreRecorder interface {
	UpdateProductScore(ctx context.Context, productID string, score float64) error
}

// Marketplace is the subset of the Allegro client used here
type Marketplace interface {
	SearchByEAN(ctx context.Context, ean string) ([]allegro.Product, error)
	CreateOffer(ctx context.Context, req allegro.OfferRequest) (*allegro.OfferResult, error)
}

var _ Marketplace = (*allegro.Client)(nil)

// Options tunes the listing service
type Options struct {
	// PreventDuplicates rejects a second offer for a warehouse item that already has a CREATED attempt
	PreventDuplicates bool
	Scores            ScoreRecorder
	Metrics           *observability.Metrics
}

// Service orchestrates candidate proposals and offer creation
type Service struct {
	store  Store
	market Marketplace
	opts   Options
}

// NewService creates a new listing service
func NewService(store Store, market Marketplace, opts Options) *Service {
	return &Service{store: store, market: market, opts: opts}
}

// OfferSummary is returned after a successful offer creation
type OfferSummary struct {
	OfferID           string `json:"offerId"`
	Status            string `json:"status"`
	QuantityListed    int    `json:"quantityListed"`
	OperationID       string `json:"operationId,omitempty"`
	PublicationStatus string `json:"publicationStatus,omitempty"`
	AttemptID         string `json:"attemptId"`
}

// Proposal is the top candidates for one warehouse item
type Proposal struct {
	Item       *database.InventoryItem `json:"item"`
	Candidates []ranking.Candidate     `json:"candidates"`
}

// ResolveItem finds a warehouse row by exact id, then by SKU
func (s *Service) ResolveItem(ctx context.Context, warehouseItemID string) (*database.InventoryItem, error) {
	item, err := s.store.InventoryItemByID(ctx, warehouseItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load warehouse item: %w", err)
	}
	if item != nil {
		return item, nil
	}

	item, err = s.store.InventoryItemBySKU(ctx, warehouseItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load warehouse item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, warehouseItemID)
	}
	return item, nil
}

// RankEAN searches the catalog and returns every candidate ranked by score
func (s *Service) RankEAN(ctx context.Context, ean string) ([]ranking.Candidate, error) {
	products, err := s.market.SearchByEAN(ctx, ean)
	if err != nil {
		return nil, err
	}

	ranked := ranking.RankProducts(products)
	if s.opts.Scores != nil {
		for _, c := range ranked {
			if err := s.opts.Scores.UpdateProductScore(ctx, c.ID, c.Score); err != nil {
				log.Printf("Failed to record score for product %s: %v", c.ID, err)
			}
		}
	}
	log.Printf("Ranked %d catalog candidates for EAN %s", len(ranked), ean)
	return ranked, nil
}

// ProposeCandidates returns the top candidates for a warehouse item's EAN,
// annotated with their title similarity to the item name
func (s *Service) ProposeCandidates(ctx context.Context, warehouseItemID string) (*Proposal, error) {
	item, err := s.ResolveItem(ctx, warehouseItemID)
	if err != nil {
		return nil, err
	}
	if !allegro.ValidEAN(item.EAN) {
		return nil, fmt.Errorf("%w: warehouse item %s has EAN %q", allegro.ErrInvalidEAN, item.ID, item.EAN)
	}

	ranked, err := s.RankEAN(ctx, item.EAN)
	if err != nil {
		return nil, err
	}

	top := ranking.Top(ranked, ranking.DefaultTopN)
	ranking.AnnotateSimilarity(top, item.Name)
	return &Proposal{Item: item, Candidates: top}, nil
}

// CreateOfferFromCandidate lists QuantityPerOffer units of a warehouse item as
// an offer for the given catalog product. Every upstream attempt is recorded.
func (s *Service) CreateOfferFromCandidate(ctx context.Context, warehouseItemID, productID string) (*OfferSummary, error) {
	item, err := s.ResolveItem(ctx, warehouseItemID)
	if err != nil {
		return nil, err
	}

	if item.TotalStock < MinimumStock {
		log.Printf("Not listing %s: stock %d below %d", warehouseItemID, item.TotalStock, MinimumStock)
		return nil, &InsufficientStockError{
			WarehouseItemID: warehouseItemID,
			Available:       item.TotalStock,
			Required:        MinimumStock,
		}
	}

	if s.opts.PreventDuplicates {
		listed, err := s.store.HasCreatedListing(ctx, warehouseItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to check listing history: %w", err)
		}
		if listed {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyListed, warehouseItemID)
		}
	}

	attempt := &database.ListingAttempt{
		ID:              uuid.NewString(),
		WarehouseItemID: warehouseItemID,
		EAN:             item.EAN,
		ProductID:       productID,
		QuantityListed:  QuantityPerOffer,
	}

	result, err := s.market.CreateOffer(ctx, allegro.OfferRequest{
		ProductID:  productID,
		Name:       item.Name,
		ExternalID: warehouseItemID,
		Price:      item.TargetPrice,
		Quantity:   QuantityPerOffer,
	})
	if err != nil {
		msg := err.Error()
		attempt.Status = database.ListingStatusFailed
		attempt.Error = &msg
		s.record(ctx, attempt)
		log.Printf("Offer creation for %s (product %s) failed: %v", warehouseItemID, productID, err)
		return nil, &GatewayError{Err: err}
	}

	attempt.Status = database.ListingStatusCreated
	attempt.OfferID = &result.ID
	s.record(ctx, attempt)
	log.Printf("Created offer %s for %s (product %s)", result.ID, warehouseItemID, productID)

	return &OfferSummary{
		OfferID:           result.ID,
		Status:            database.ListingStatusCreated,
		QuantityListed:    QuantityPerOffer,
		OperationID:       result.OperationID,
		PublicationStatus: result.PublicationStatus,
		AttemptID:         attempt.ID,
	}, nil
}

// record appends the audit row. A write failure is logged; the upstream
// outcome stands either way.
func (s *Service) record(ctx context.Context, attempt *database.ListingAttempt) {
	attempt.CreatedAt = time.Now().UTC()
	// Detached so a cancelled request still leaves its audit row
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.store.AppendListingAttempt(writeCtx, attempt); err != nil {
		log.Printf("Failed to record listing attempt %s: %v", attempt.ID, err)
	}
	s.opts.Metrics.RecordListingAttempt(attempt.Status)
}
