package api

import (
	"net/http"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/service"
	"github.com/estate-ledger/internal/types"
	"github.com/gorilla/mux"
)

// createPollRequest is the body for POST /api/polls
type createPollRequest struct {
	AssetID               string              `json:"assetId"`
	Question              string              `json:"question"`
	Options               []models.PollOption `json:"options"`
	VotingBasis           string              `json:"votingBasis"`
	RequiresConsensus     bool                `json:"requiresConsensus"`
	ConsensusThresholdPct float64             `json:"consensusThresholdPct"`
	MinParticipationPct   float64             `json:"minParticipationPct"`
	AllowVoteChanges      bool                `json:"allowVoteChanges"`
	Deadline              time.Time           `json:"deadline"`
}

// handleCreatePoll opens a new poll created by the caller.
func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req createPollRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	poll, err := s.governance.CreatePoll(r.Context(), service.CreatePollParams{
		AssetID:               req.AssetID,
		CreatorID:             caller,
		Question:              req.Question,
		Options:               req.Options,
		VotingBasis:           types.VotingBasis(req.VotingBasis),
		RequiresConsensus:     req.RequiresConsensus,
		ConsensusThresholdPct: req.ConsensusThresholdPct,
		MinParticipationPct:   req.MinParticipationPct,
		AllowVoteChanges:      req.AllowVoteChanges,
		Deadline:              req.Deadline,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, poll)
}

// handleGetPoll returns one poll.
func (s *Server) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	poll, err := s.governance.GetPoll(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, poll)
}

// castVoteRequest is the body for POST /api/polls/{id}/votes
type castVoteRequest struct {
	OptionID string `json:"optionId"`
}

// handleCastVote records the caller's vote.
func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req castVoteRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidation, "Invalid request body: "+err.Error())
		return
	}

	vote, err := s.governance.CastVote(r.Context(), mux.Vars(r)["id"], caller, req.OptionID)
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, vote)
}

// handleTally returns the poll's current aggregate.
func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	result, err := s.governance.Tally(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleClosePoll closes a poll.
func (s *Server) handleClosePoll(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	poll, err := s.governance.ClosePoll(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, poll)
}
