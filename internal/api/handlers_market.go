package api

import (
	"net/http"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/service"
	"github.com/estate-ledger/internal/types"
	"github.com/gorilla/mux"
)

// createListingRequest is the body for POST /api/listings
type createListingRequest struct {
	AssetID       string `json:"assetId"`
	Side          string `json:"side"`
	Amount        int64  `json:"amount"`
	PricePerToken int64  `json:"pricePerToken"`
}

// handleCreateListing places a resting order owned by the caller.
func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req createListingRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	listing, err := s.orderBook.CreateListing(r.Context(), service.CreateListingParams{
		AssetID:       req.AssetID,
		SellerID:      caller,
		Side:          types.ListingSide(req.Side),
		Amount:        req.Amount,
		PricePerToken: req.PricePerToken,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, listing)
}

// handleGetListing returns one listing.
func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.orderBook.GetListing(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listing)
}

// handleCancelListing withdraws the caller's listing.
func (s *Server) handleCancelListing(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	listing, err := s.orderBook.CancelListing(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, listing)
}

// handleOrderBook returns the aggregated depth snapshot for an asset.
func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.orderBook.Depth(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// simulateRequest is the body for POST /api/assets/{id}/simulate
type simulateRequest struct {
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
}

// handleSimulate estimates the execution of a hypothetical order.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	estimate, err := s.orderBook.SimulateExecution(r.Context(), mux.Vars(r)["id"], types.ListingSide(req.Side), req.Quantity)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, estimate)
}
