package service

import (
	"context"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/logging"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
)

// GovernanceStore is the poll and vote persistence surface.
type GovernanceStore interface {
	CreatePoll(ctx context.Context, poll *models.Poll) error
	GetPoll(ctx context.Context, id string) (*models.Poll, error)
	ClosePoll(ctx context.Context, id string, status types.PollStatus) error
	GetVote(ctx context.Context, pollID, voterID string) (*models.Vote, error)
	UpsertVote(ctx context.Context, vote *models.Vote, allowChange bool) error
	ListVotes(ctx context.Context, pollID string) ([]*models.Vote, error)
}

// GovernanceService runs holder polls over an asset. Power denominators are
// snapshotted when the poll is created; each vote's power is snapshotted when
// cast. Later ledger activity changes neither.
type GovernanceService struct {
	polls  GovernanceStore
	ledger LedgerStore
	assets AssetStore
	logger *logging.Logger
}

// NewGovernanceService creates a new governance service
func NewGovernanceService(polls GovernanceStore, ledger LedgerStore, assets AssetStore, logger *logging.Logger) *GovernanceService {
	return &GovernanceService{
		polls:  polls,
		ledger: ledger,
		assets: assets,
		logger: logger.WithField("component", "governance_service"),
	}
}

// CreatePollParams describes a new poll.
type CreatePollParams struct {
	AssetID               string
	CreatorID             string
	Question              string
	Options               []models.PollOption
	VotingBasis           types.VotingBasis
	RequiresConsensus     bool
	ConsensusThresholdPct float64
	MinParticipationPct   float64
	AllowVoteChanges      bool
	Deadline              time.Time
}

// CreatePoll opens a poll and snapshots the power denominators from the
// asset's current holdings.
func (s *GovernanceService) CreatePoll(ctx context.Context, p CreatePollParams) (*models.Poll, error) {
	if p.Question == "" {
		return nil, apperrors.NewValidationError("question", "must not be empty")
	}
	if len(p.Options) < 2 {
		return nil, apperrors.NewValidationError("options", "poll needs at least two options")
	}
	seen := make(map[string]bool, len(p.Options))
	for _, o := range p.Options {
		if o.ID == "" {
			return nil, apperrors.NewValidationError("options", "option id must not be empty")
		}
		if seen[o.ID] {
			return nil, apperrors.NewValidationError("options", "duplicate option id: "+o.ID)
		}
		seen[o.ID] = true
	}
	switch p.VotingBasis {
	case types.BasisTokens, types.BasisEqual, types.BasisInvestment:
	default:
		return nil, apperrors.NewValidationError("votingBasis", "unknown voting basis")
	}
	if !p.Deadline.After(time.Now()) {
		return nil, apperrors.NewValidationError("deadline", "must be in the future")
	}
	if p.RequiresConsensus && (p.ConsensusThresholdPct <= 0 || p.ConsensusThresholdPct > 100) {
		return nil, apperrors.NewValidationError("consensusThresholdPct", "must be in (0, 100]")
	}
	if p.MinParticipationPct < 0 || p.MinParticipationPct > 100 {
		return nil, apperrors.NewValidationError("minParticipationPct", "must be in [0, 100]")
	}

	if _, err := s.assets.GetByID(ctx, p.AssetID); err != nil {
		return nil, err
	}

	holdings, err := s.ledger.ListHoldings(ctx, p.AssetID)
	if err != nil {
		return nil, err
	}

	var tokens, investment int64
	var voters int
	for _, h := range holdings {
		if h.Tokens <= 0 {
			continue
		}
		tokens += h.Tokens
		investment += h.CostBasis
		voters++
	}
	if voters == 0 {
		return nil, apperrors.NewValidationError("assetId", "asset has no token holders")
	}

	poll := &models.Poll{
		AssetID:               p.AssetID,
		CreatorID:             p.CreatorID,
		Question:              p.Question,
		Options:               p.Options,
		VotingBasis:           p.VotingBasis,
		RequiresConsensus:     p.RequiresConsensus,
		ConsensusThresholdPct: p.ConsensusThresholdPct,
		MinParticipationPct:   p.MinParticipationPct,
		AllowVoteChanges:      p.AllowVoteChanges,
		Deadline:              p.Deadline.UTC(),
		Status:                types.PollActive,
		SnapshotTokens:        tokens,
		SnapshotInvestment:    investment,
		SnapshotVoters:        voters,
	}
	if err := s.polls.CreatePoll(ctx, poll); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"pollId":  poll.ID,
		"assetId": poll.AssetID,
		"basis":   poll.VotingBasis,
	}).Info("Poll created")

	return poll, nil
}

// GetPoll returns one poll
func (s *GovernanceService) GetPoll(ctx context.Context, id string) (*models.Poll, error) {
	return s.polls.GetPoll(ctx, id)
}

// VotingPower computes one voter's power on a poll. Under the tokens basis
// power is the voter's share of the snapshotted circulating supply; under
// investment it is their share of snapshotted invested capital; under equal
// every holder counts as one.
func (s *GovernanceService) VotingPower(ctx context.Context, poll *models.Poll, voterID string) (float64, error) {
	holding, err := s.ledger.GetHolding(ctx, poll.AssetID, voterID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return 0, apperrors.NewUnauthorizedError("voter holds no tokens in this asset")
		}
		return 0, err
	}
	if holding.Tokens <= 0 {
		return 0, apperrors.NewUnauthorizedError("voter holds no tokens in this asset")
	}

	switch poll.VotingBasis {
	case types.BasisTokens:
		if poll.SnapshotTokens == 0 {
			return 0, nil
		}
		return float64(holding.Tokens) / float64(poll.SnapshotTokens), nil
	case types.BasisInvestment:
		if poll.SnapshotInvestment == 0 {
			return 0, nil
		}
		return float64(holding.CostBasis) / float64(poll.SnapshotInvestment), nil
	case types.BasisEqual:
		return 1, nil
	default:
		return 0, apperrors.NewInternalError("unknown voting basis: "+string(poll.VotingBasis), nil)
	}
}

// CastVote records a vote on an active poll before its deadline. When the
// poll forbids vote changes a second cast by the same voter fails with
// DUPLICATE_VOTE.
func (s *GovernanceService) CastVote(ctx context.Context, pollID, voterID, optionID string) (*models.Vote, error) {
	poll, err := s.polls.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if poll.Status != types.PollActive {
		return nil, apperrors.NewConflictError("poll is not open for voting: " + pollID)
	}
	if time.Now().After(poll.Deadline) {
		return nil, apperrors.NewConflictError("poll deadline has passed: " + pollID)
	}
	if _, ok := poll.Option(optionID); !ok {
		return nil, apperrors.NewValidationError("optionId", "unknown option: "+optionID)
	}

	power, err := s.VotingPower(ctx, poll, voterID)
	if err != nil {
		return nil, err
	}

	vote := &models.Vote{
		PollID:      pollID,
		VoterID:     voterID,
		OptionID:    optionID,
		VotingPower: power,
	}
	if err := s.polls.UpsertVote(ctx, vote, poll.AllowVoteChanges); err != nil {
		return nil, err
	}

	return vote, nil
}

// Tally aggregates the votes cast on a poll. Participation is measured
// against the poll's creation-time snapshot: under the equal basis it is the
// fraction of eligible voters who cast, otherwise it is the cast power
// itself (each vote's power is already a fraction of the snapshot). A poll
// passes when participation meets the minimum and, if consensus is required,
// the leading option's share of cast power meets the threshold.
func (s *GovernanceService) Tally(ctx context.Context, pollID string) (*types.TallyResult, error) {
	poll, err := s.polls.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}

	votes, err := s.polls.ListVotes(ctx, pollID)
	if err != nil {
		return nil, err
	}

	byOption := make(map[string]*types.TallyOption, len(poll.Options))
	ordered := make([]*types.TallyOption, 0, len(poll.Options))
	for _, o := range poll.Options {
		t := &types.TallyOption{OptionID: o.ID}
		byOption[o.ID] = t
		ordered = append(ordered, t)
	}

	var totalPower float64
	for _, v := range votes {
		t, ok := byOption[v.OptionID]
		if !ok {
			continue
		}
		t.Votes++
		t.Power += v.VotingPower
		totalPower += v.VotingPower
	}

	var leading *types.TallyOption
	for _, t := range ordered {
		if totalPower > 0 {
			t.Percentage = t.Power / totalPower * 100
		}
		if leading == nil || t.Power > leading.Power {
			leading = t
		}
	}

	var participation float64
	if poll.VotingBasis == types.BasisEqual {
		if poll.SnapshotVoters > 0 {
			participation = totalPower / float64(poll.SnapshotVoters) * 100
		}
	} else {
		participation = totalPower * 100
	}

	passed := participation >= poll.MinParticipationPct && totalPower > 0
	if passed && poll.RequiresConsensus {
		passed = leading.Percentage >= poll.ConsensusThresholdPct
	}

	result := &types.TallyResult{
		PollID:           pollID,
		TotalPower:       totalPower,
		ParticipationPct: participation,
		Passed:           passed,
	}
	for _, t := range ordered {
		result.Options = append(result.Options, *t)
	}
	if leading != nil && leading.Votes > 0 {
		result.LeadingOptionID = leading.OptionID
	}

	return result, nil
}

// ClosePoll closes an active poll. Only the creator may close before the
// deadline; anyone may close once the deadline has passed.
func (s *GovernanceService) ClosePoll(ctx context.Context, pollID, actorID string) (*models.Poll, error) {
	poll, err := s.polls.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	if poll.Status != types.PollActive {
		return nil, apperrors.NewConflictError("poll is already closed: " + pollID)
	}
	if time.Now().Before(poll.Deadline) && actorID != poll.CreatorID {
		return nil, apperrors.NewUnauthorizedError("only the poll creator can close before the deadline")
	}

	if err := s.polls.ClosePoll(ctx, pollID, types.PollClosed); err != nil {
		return nil, err
	}
	poll.Status = types.PollClosed

	s.logger.WithFields(map[string]interface{}{
		"pollId":  pollID,
		"actorId": actorID,
	}).Info("Poll closed")

	return poll, nil
}
