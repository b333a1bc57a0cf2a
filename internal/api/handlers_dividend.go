package api

import (
	"net/http"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/gorilla/mux"
)

// createDistributionRequest is the body for POST /api/distributions
type createDistributionRequest struct {
	AssetID      string `json:"assetId"`
	TotalRevenue int64  `json:"totalRevenue"`
}

// handleCreateDistribution kicks off a revenue distribution. The response
// carries the finalized run including success and failure counts.
func (s *Server) handleCreateDistribution(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}

	var req createDistributionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	dist, err := s.dividends.Distribute(r.Context(), req.AssetID, req.TotalRevenue)
	if err != nil {
		respondError(w, err)
		return
	}

	// Mixed outcome: the run is committed but some payouts failed. The
	// response carries the run plus the partial-failure detail so the
	// caller knows which counters to check before retrying payments.
	if dist.SuccessCount > 0 && dist.FailureCount > 0 {
		partial := apperrors.NewPartialFailureError("distribution", dist.SuccessCount, dist.FailureCount)
		respondJSON(w, partial.StatusCode, map[string]interface{}{
			"distribution": dist,
			"error":        partial.ToServiceError(),
		})
		return
	}

	respondJSON(w, http.StatusCreated, dist)
}

// handleGetDistribution returns a distribution with its payments.
func (s *Server) handleGetDistribution(w http.ResponseWriter, r *http.Request) {
	dist, payments, err := s.dividends.GetDistribution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"distribution": dist,
		"payments":     payments,
	})
}

// handleRetryPayment re-attempts one failed dividend payment.
func (s *Server) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}

	payment, err := s.dividends.RetryPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payment)
}
