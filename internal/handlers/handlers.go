package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
	"github.com/julienbonastre/allegro-helpers/internal/database"
	"github.com/julienbonastre/allegro-helpers/internal/export"
	"github.com/julienbonastre/allegro-helpers/internal/listing"
	"github.com/julienbonastre/allegro-helpers/internal/ranking"
)

// SessionName is the operator session cookie name
const SessionName = "allegro-helpers"

// Session keys of the last candidate proposal
const (
	sessionItemKey     = "warehouseItemId"
	sessionEANKey      = "ean"
	sessionProductsKey = "productIds"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AttemptLister reads the listing audit history
type AttemptLister interface {
	ListingAttempts(ctx context.Context, limit int) ([]database.ListingAttempt, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	allegroClient *allegro.Client
	tokens        allegro.TokenStore
	listing       *listing.Service
	attempts      AttemptLister
	sessions      sessions.Store
}

// NewHandler creates a new handler
func NewHandler(client *allegro.Client, tokens allegro.TokenStore, svc *listing.Service, attempts AttemptLister, store sessions.Store) *Handler {
	return &Handler{
		allegroClient: client,
		tokens:        tokens,
		listing:       svc,
		attempts:      attempts,
		sessions:      store,
	}
}

// Register mounts the API routes on r
func (h *Handler) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/auth/status", h.GetAuthStatus).Methods(http.MethodGet)
	api.HandleFunc("/auth/refresh", h.RefreshToken).Methods(http.MethodPost)
	api.HandleFunc("/catalog/search", h.SearchCatalog).Methods(http.MethodGet)
	api.HandleFunc("/inventory/{id}/candidates", h.GetCandidates).Methods(http.MethodGet)
	api.HandleFunc("/inventory/{id}/candidates.xlsx", h.ExportCandidates).Methods(http.MethodGet)
	api.HandleFunc("/offers", h.CreateOffer).Methods(http.MethodPost)
	api.HandleFunc("/listing-attempts", h.GetListingAttempts).Methods(http.MethodGet)
	api.HandleFunc("/listing-attempts/export.xlsx", h.ExportListingAttempts).Methods(http.MethodGet)
}

// JSON response helper
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON: %v", err)
	}
}

// Error response helper
func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var (
		stockErr    *listing.InsufficientStockError
		gatewayErr  *listing.GatewayError
		apiErr      *allegro.APIError
		authErr     *allegro.AuthError
		exchangeErr *allegro.AuthExchangeError
	)
	switch {
	case errors.Is(err, allegro.ErrInvalidEAN):
		return http.StatusBadRequest
	case errors.Is(err, listing.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stockErr), errors.Is(err, listing.ErrAlreadyListed):
		return http.StatusConflict
	case errors.As(err, &gatewayErr):
		return http.StatusBadGateway
	case errors.Is(err, allegro.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr), errors.As(err, &authErr), errors.As(err, &exchangeErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// failure logs err and writes the mapped error response
func failure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	var stockErr *listing.InsufficientStockError
	if errors.As(err, &stockErr) {
		log.Printf("%s: %v", op, err)
	} else {
		log.Printf("%s error: %v", op, err)
	}

	body := map[string]interface{}{"error": err.Error()}
	if stockErr != nil {
		body["available"] = stockErr.Available
		body["required"] = stockErr.Required
	}
	jsonResponse(w, status, body)
}

// HealthCheck returns API health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tokens.LatestToken(r.Context())
	if err != nil {
		log.Printf("HealthCheck token lookup error: %v", err)
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"configured":   h.allegroClient.IsConfigured(),
		"tokenPresent": rec != nil || h.allegroClient.HasBootstrapToken(),
	})
}

// GetAuthStatus returns the stored token expiry without calling Allegro
func (h *Handler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tokens.LatestToken(r.Context())
	if err != nil {
		failure(w, "GetAuthStatus", err)
		return
	}

	status := map[string]interface{}{
		"configured":        h.allegroClient.IsConfigured(),
		"hasBootstrapToken": h.allegroClient.HasBootstrapToken(),
		"authenticated":     false,
	}
	if rec != nil {
		status["expiresAt"] = rec.ExpiresAt
		status["updatedAt"] = rec.UpdatedAt
		status["authenticated"] = time.Until(rec.ExpiresAt) > allegro.ExpiryBuffer
	}
	jsonResponse(w, http.StatusOK, status)
}

// RefreshToken forces a refresh token exchange
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.allegroClient.ForceRefresh(r.Context(), "")
	if err != nil {
		failure(w, "RefreshToken", err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "refreshed",
		"expiresAt": token.ExpiresAt,
	})
}

// SearchCatalog ranks every catalog product matching an EAN
func (h *Handler) SearchCatalog(w http.ResponseWriter, r *http.Request) {
	ean := strings.TrimSpace(r.URL.Query().Get("ean"))
	if !allegro.ValidEAN(ean) {
		errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid EAN %q: expected 8, 12, 13 or 14 digits", ean))
		return
	}

	ranked, err := h.listing.RankEAN(r.Context(), ean)
	if err != nil {
		failure(w, "SearchCatalog", err)
		return
	}
	if ranked == nil {
		ranked = []ranking.Candidate{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"ean":        ean,
		"candidates": ranked,
		"total":      len(ranked),
	})
}

// GetCandidates proposes the top catalog products for a warehouse item and
// remembers the proposal in the operator session
func (h *Handler) GetCandidates(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.listing.ProposeCandidates(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, "GetCandidates", err)
		return
	}

	h.rememberProposal(w, r, proposal)

	candidates := proposal.Candidates
	if candidates == nil {
		candidates = []ranking.Candidate{}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"item":       proposal.Item,
		"candidates": candidates,
	})
}

// ExportCandidates writes the proposal for a warehouse item as xlsx
func (h *Handler) ExportCandidates(w http.ResponseWriter, r *http.Request) {
	proposal, err := h.listing.ProposeCandidates(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		failure(w, "ExportCandidates", err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="candidates-%s.xlsx"`, proposal.Item.EAN))
	if err := export.WriteCandidates(w, proposal.Item.EAN, proposal.Candidates); err != nil {
		log.Printf("ExportCandidates write error: %v", err)
	}
}

func (h *Handler) rememberProposal(w http.ResponseWriter, r *http.Request, p *listing.Proposal) {
	if h.sessions == nil {
		return
	}
	session, err := h.sessions.Get(r, SessionName)
	if err != nil {
		log.Printf("Session load error: %v", err)
		return
	}

	ids := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		ids[i] = c.ID
	}
	session.Values[sessionItemKey] = p.Item.ID
	session.Values[sessionEANKey] = p.Item.EAN
	session.Values[sessionProductsKey] = strings.Join(ids, ",")

	if err := session.Save(r, w); err != nil {
		log.Printf("Session save error: %v", err)
	}
}

// lastProposedItem returns the warehouse item of the session's last proposal
func (h *Handler) lastProposedItem(r *http.Request) string {
	if h.sessions == nil {
		return ""
	}
	session, err := h.sessions.Get(r, SessionName)
	if err != nil {
		return ""
	}
	id, _ := session.Values[sessionItemKey].(string)
	return id
}

// CreateOfferRequest is the request body for the offers endpoint
type CreateOfferRequest struct {
	WarehouseItemID string `json:"warehouseItemId"`
	ProductID       string `json:"productId"`
}

// CreateOffer lists a warehouse item against a chosen catalog product
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		errorResponse(w, http.StatusBadRequest, "productId is required")
		return
	}
	if req.WarehouseItemID == "" {
		req.WarehouseItemID = h.lastProposedItem(r)
	}
	if req.WarehouseItemID == "" {
		errorResponse(w, http.StatusBadRequest, "warehouseItemId is required when no proposal is in the session")
		return
	}

	summary, err := h.listing.CreateOfferFromCandidate(r.Context(), req.WarehouseItemID, req.ProductID)
	if err != nil {
		failure(w, "CreateOffer", err)
		return
	}

	jsonResponse(w, http.StatusCreated, summary)
}

// GetListingAttempts returns the offer creation audit history
func (h *Handler) GetListingAttempts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	attempts, err := h.attempts.ListingAttempts(r.Context(), limit)
	if err != nil {
		failure(w, "GetListingAttempts", err)
		return
	}
	if attempts == nil {
		attempts = []database.ListingAttempt{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"total":    len(attempts),
	})
}

// ExportListingAttempts writes the audit history as xlsx
func (h *Handler) ExportListingAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.attempts.ListingAttempts(r.Context(), 10000)
	if err != nil {
		failure(w, "ExportListingAttempts", err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="listing-attempts.xlsx"`)
	if err := export.WriteListingAttempts(w, attempts); err != nil {
		log.Printf("ExportListingAttempts write error: %v", err)
	}
}
