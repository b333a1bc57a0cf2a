package api

import (
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/service"
	"github.com/gorilla/mux"
)

// createAssetRequest is the body for POST /api/assets
type createAssetRequest struct {
	Name          string `json:"name"`
	TotalSupply   int64  `json:"totalSupply"`
	PricePerToken int64  `json:"pricePerToken"`
}

// handleCreateAsset registers a new asset with the caller as issuer.
func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req createAssetRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	asset, err := s.ledger.CreateAsset(r.Context(), service.CreateAssetParams{
		Name:          req.Name,
		IssuerID:      caller,
		TotalSupply:   req.TotalSupply,
		PricePerToken: req.PricePerToken,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, asset)
}

// handleGetAsset returns one asset.
func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.ledger.GetAsset(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, asset)
}

// handleListAssets returns all registered assets.
func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.ledger.ListAssets(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

// mintRequest is the body for POST /api/assets/{id}/mint
type mintRequest struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// handleMint issues tokens. The caller must be the asset's issuer.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req mintRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	txn, err := s.ledger.Mint(r.Context(), mux.Vars(r)["id"], caller, req.To, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, txn)
}

// transferRequest is the body for POST /api/assets/{id}/transfer
type transferRequest struct {
	To            string `json:"to"`
	Amount        int64  `json:"amount"`
	PricePerToken int64  `json:"pricePerToken"`
}

// handleTransfer moves tokens from the caller to another holder.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req transferRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	txn, err := s.ledger.Transfer(r.Context(), mux.Vars(r)["id"], caller, req.To, req.Amount, req.PricePerToken)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, txn)
}

// burnRequest is the body for POST /api/assets/{id}/burn
type burnRequest struct {
	Amount int64 `json:"amount"`
}

// handleBurn retires tokens from the caller's balance.
func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req burnRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	txn, err := s.ledger.Burn(r.Context(), mux.Vars(r)["id"], caller, req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, txn)
}

// handleListHoldings returns every position in an asset.
func (s *Server) handleListHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.ledger.ListHoldings(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"holdings": holdings})
}

// handleGetHolding returns one holder's position.
func (s *Server) handleGetHolding(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	holding, err := s.ledger.GetHolding(r.Context(), vars["id"], vars["holderId"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, holding)
}

// handleGetTransaction returns one ledger transaction with its settlement state.
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := s.ledger.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

// handleRetryTransaction reopens a failed transaction for settlement retry.
func (s *Server) handleRetryTransaction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}

	txn, err := s.ledger.RetryTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

// handleSettledVolume reports confirmed transfer volume for an asset over a
// trailing window from the settlement archive. Window size comes from the
// hours query parameter, default 24.
func (s *Server) handleSettledVolume(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "hours must be a positive integer")
			return
		}
		hours = parsed
	}

	assetID := mux.Vars(r)["id"]
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	volume, err := s.analytics.SettledVolume(r.Context(), assetID, since)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"assetId": assetID,
		"hours":   hours,
		"volume":  volume,
	})
}
