package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
)

type mockGovernanceStore struct {
	mu    sync.Mutex
	polls map[string]*models.Poll
	votes map[string]*models.Vote // key pollID/voterID
	seq   int
}

func newMockGovernanceStore() *mockGovernanceStore {
	return &mockGovernanceStore{
		polls: make(map[string]*models.Poll),
		votes: make(map[string]*models.Vote),
	}
}

func voteKey(pollID, voterID string) string { return pollID + "/" + voterID }

func (m *mockGovernanceStore) CreatePoll(ctx context.Context, poll *models.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	poll.ID = fmt.Sprintf("poll-%d", m.seq)
	poll.CreatedAt = time.Now()
	m.polls[poll.ID] = poll
	return nil
}

func (m *mockGovernanceStore) GetPoll(ctx context.Context, id string) (*models.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.polls[id]; ok {
		return p, nil
	}
	return nil, apperrors.NewNotFoundError("poll", id)
}

func (m *mockGovernanceStore) ClosePoll(ctx context.Context, id string, status types.PollStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	if !ok {
		return apperrors.NewNotFoundError("poll", id)
	}
	if p.Status != types.PollActive {
		return apperrors.NewConflictError("poll is already closed: " + id)
	}
	p.Status = status
	return nil
}

func (m *mockGovernanceStore) GetVote(ctx context.Context, pollID, voterID string) (*models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.votes[voteKey(pollID, voterID)]; ok {
		return v, nil
	}
	return nil, apperrors.NewNotFoundError("vote", voterID)
}

func (m *mockGovernanceStore) UpsertVote(ctx context.Context, vote *models.Vote, allowChange bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey(vote.PollID, vote.VoterID)
	if _, exists := m.votes[key]; exists && !allowChange {
		return apperrors.NewDuplicateVoteError(vote.PollID, vote.VoterID)
	}
	vote.CastAt = time.Now()
	m.votes[key] = vote
	return nil
}

func (m *mockGovernanceStore) ListVotes(ctx context.Context, pollID string) ([]*models.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Vote
	for _, v := range m.votes {
		if v.PollID == pollID {
			out = append(out, v)
		}
	}
	return out, nil
}

func yesNo() []models.PollOption {
	return []models.PollOption{
		{ID: "yes", Label: "Yes"},
		{ID: "no", Label: "No"},
	}
}

func newTestGovernance(t *testing.T) (*GovernanceService, *mockAssetStore, *mockLedgerStore, *mockGovernanceStore, string) {
	t.Helper()
	assets := newMockAssetStore()
	ledger := newMockLedgerStore(assets)
	polls := newMockGovernanceStore()
	svc := NewGovernanceService(polls, ledger, assets, testLogger())

	asset := &models.Asset{Name: "A", IssuerID: "issuer-1", TotalSupply: 1000, PricePerToken: 100}
	if err := assets.Create(context.Background(), asset); err != nil {
		t.Fatal(err)
	}
	return svc, assets, ledger, polls, asset.ID
}

func approxEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestGovernanceService_CreatePoll_Snapshots(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()

	ledger.credit(assetID, "A", 300, 30_000)
	ledger.credit(assetID, "B", 700, 70_000)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Sell the property?",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreatePoll failed: %v", err)
	}
	if poll.SnapshotTokens != 1000 || poll.SnapshotInvestment != 100_000 || poll.SnapshotVoters != 2 {
		t.Errorf("unexpected snapshots: %d tokens, %d investment, %d voters",
			poll.SnapshotTokens, poll.SnapshotInvestment, poll.SnapshotVoters)
	}
	if poll.Status != types.PollActive {
		t.Errorf("expected active poll, got %s", poll.Status)
	}
}

func TestGovernanceService_CreatePoll_Validation(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 100, 0)

	base := CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	}

	cases := []struct {
		name   string
		mutate func(*CreatePollParams)
	}{
		{"empty question", func(p *CreatePollParams) { p.Question = "" }},
		{"one option", func(p *CreatePollParams) { p.Options = p.Options[:1] }},
		{"duplicate options", func(p *CreatePollParams) {
			p.Options = []models.PollOption{{ID: "yes", Label: "Yes"}, {ID: "yes", Label: "Also yes"}}
		}},
		{"unknown basis", func(p *CreatePollParams) { p.VotingBasis = "quadratic" }},
		{"past deadline", func(p *CreatePollParams) { p.Deadline = time.Now().Add(-time.Minute) }},
		{"bad consensus threshold", func(p *CreatePollParams) {
			p.RequiresConsensus = true
			p.ConsensusThresholdPct = 101
		}},
		{"bad participation", func(p *CreatePollParams) { p.MinParticipationPct = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := base
			tc.mutate(&params)
			if _, err := svc.CreatePoll(ctx, params); !apperrors.IsCode(err, apperrors.CodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGovernanceService_VotingPower(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()

	ledger.credit(assetID, "A", 300, 60_000)
	ledger.credit(assetID, "B", 700, 40_000)

	for _, tc := range []struct {
		basis  types.VotingBasis
		voter  string
		expect float64
	}{
		{types.BasisTokens, "A", 0.3},
		{types.BasisTokens, "B", 0.7},
		{types.BasisInvestment, "A", 0.6},
		{types.BasisEqual, "B", 1},
	} {
		poll, err := svc.CreatePoll(ctx, CreatePollParams{
			AssetID:     assetID,
			CreatorID:   "A",
			Question:    "Q",
			Options:     yesNo(),
			VotingBasis: tc.basis,
			Deadline:    time.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("CreatePoll(%s) failed: %v", tc.basis, err)
		}
		power, err := svc.VotingPower(ctx, poll, tc.voter)
		if err != nil {
			t.Fatalf("VotingPower(%s, %s) failed: %v", tc.basis, tc.voter, err)
		}
		if !approxEqual(power, tc.expect) {
			t.Errorf("VotingPower(%s, %s) = %f, want %f", tc.basis, tc.voter, power, tc.expect)
		}
	}
}

func TestGovernanceService_VotingPower_RequiresHolding(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 1000, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.VotingPower(ctx, poll, "stranger"); !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Errorf("expected unauthorized for non-holder, got %v", err)
	}
}

func TestGovernanceService_CastVote_Duplicate(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 1000, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CastVote(ctx, poll.ID, "A", "yes"); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	if _, err := svc.CastVote(ctx, poll.ID, "A", "no"); !apperrors.IsCode(err, apperrors.CodeDuplicateVote) {
		t.Errorf("expected duplicate vote error, got %v", err)
	}
}

func TestGovernanceService_CastVote_ChangeAllowed(t *testing.T) {
	svc, _, ledger, polls, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 1000, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:          assetID,
		CreatorID:        "A",
		Question:         "Q",
		Options:          yesNo(),
		VotingBasis:      types.BasisTokens,
		AllowVoteChanges: true,
		Deadline:         time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CastVote(ctx, poll.ID, "A", "yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CastVote(ctx, poll.ID, "A", "no"); err != nil {
		t.Fatalf("vote change should be allowed: %v", err)
	}
	vote, err := polls.GetVote(ctx, poll.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if vote.OptionID != "no" {
		t.Errorf("expected changed vote to stand, got %s", vote.OptionID)
	}
}

func TestGovernanceService_CastVote_ClosedPoll(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 1000, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ClosePoll(ctx, poll.ID, "A"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CastVote(ctx, poll.ID, "A", "yes"); !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("expected conflict voting on closed poll, got %v", err)
	}
}

func TestGovernanceService_Tally(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()

	ledger.credit(assetID, "A", 600, 0)
	ledger.credit(assetID, "B", 300, 0)
	ledger.credit(assetID, "C", 100, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:               assetID,
		CreatorID:             "A",
		Question:              "Refinance the mortgage?",
		Options:               yesNo(),
		VotingBasis:           types.BasisTokens,
		RequiresConsensus:     true,
		ConsensusThresholdPct: 60,
		MinParticipationPct:   50,
		Deadline:              time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// A (0.6) votes yes, B (0.3) votes no, C abstains.
	if _, err := svc.CastVote(ctx, poll.ID, "A", "yes"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CastVote(ctx, poll.ID, "B", "no"); err != nil {
		t.Fatal(err)
	}

	result, err := svc.Tally(ctx, poll.ID)
	if err != nil {
		t.Fatalf("Tally failed: %v", err)
	}
	if !approxEqual(result.TotalPower, 0.9) {
		t.Errorf("expected total power 0.9, got %f", result.TotalPower)
	}
	if !approxEqual(result.ParticipationPct, 90) {
		t.Errorf("expected 90%% participation, got %f", result.ParticipationPct)
	}
	if result.LeadingOptionID != "yes" {
		t.Errorf("expected yes leading, got %s", result.LeadingOptionID)
	}
	var yes types.TallyOption
	for _, o := range result.Options {
		if o.OptionID == "yes" {
			yes = o
		}
	}
	if !approxEqual(yes.Percentage, 100*0.6/0.9) {
		t.Errorf("unexpected yes percentage: %f", yes.Percentage)
	}
	// yes holds 66.7% of cast power, above the 60% threshold.
	if !result.Passed {
		t.Error("expected poll to pass")
	}
}

func TestGovernanceService_Tally_EqualBasisParticipation(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()

	ledger.credit(assetID, "A", 500, 0)
	ledger.credit(assetID, "B", 300, 0)
	ledger.credit(assetID, "C", 100, 0)
	ledger.credit(assetID, "D", 100, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:             assetID,
		CreatorID:           "A",
		Question:            "Q",
		Options:             yesNo(),
		VotingBasis:         types.BasisEqual,
		MinParticipationPct: 60,
		Deadline:            time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Only 1 of 4 eligible voters casts.
	if _, err := svc.CastVote(ctx, poll.ID, "A", "yes"); err != nil {
		t.Fatal(err)
	}
	result, err := svc.Tally(ctx, poll.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !approxEqual(result.ParticipationPct, 25) {
		t.Errorf("expected 25%% participation, got %f", result.ParticipationPct)
	}
	if result.Passed {
		t.Error("poll below minimum participation must not pass")
	}
}

func TestGovernanceService_Tally_NoVotes(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 1000, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Tally(ctx, poll.ID)
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed {
		t.Error("a poll with no votes must not pass")
	}
	if result.LeadingOptionID != "" {
		t.Errorf("expected no leading option, got %s", result.LeadingOptionID)
	}
}

func TestGovernanceService_ClosePoll_CreatorOnlyBeforeDeadline(t *testing.T) {
	svc, _, ledger, _, assetID := newTestGovernance(t)
	ctx := context.Background()
	ledger.credit(assetID, "A", 1000, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ClosePoll(ctx, poll.ID, "B"); !apperrors.IsCode(err, apperrors.CodeUnauthorized) {
		t.Errorf("expected unauthorized for non-creator, got %v", err)
	}

	closed, err := svc.ClosePoll(ctx, poll.ID, "A")
	if err != nil {
		t.Fatalf("creator close failed: %v", err)
	}
	if closed.Status != types.PollClosed {
		t.Errorf("expected closed, got %s", closed.Status)
	}

	if _, err := svc.ClosePoll(ctx, poll.ID, "A"); !apperrors.IsCode(err, apperrors.CodeConflict) {
		t.Errorf("expected conflict closing twice, got %v", err)
	}
}

func TestGovernanceService_VotingPowerFrozenAtCast(t *testing.T) {
	svc, _, ledger, polls, assetID := newTestGovernance(t)
	ctx := context.Background()

	ledger.credit(assetID, "A", 400, 0)
	ledger.credit(assetID, "B", 600, 0)

	poll, err := svc.CreatePoll(ctx, CreatePollParams{
		AssetID:     assetID,
		CreatorID:   "A",
		Question:    "Q",
		Options:     yesNo(),
		VotingBasis: types.BasisTokens,
		Deadline:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CastVote(ctx, poll.ID, "A", "yes"); err != nil {
		t.Fatal(err)
	}

	// Ledger activity after the cast does not touch the recorded power.
	ledger.credit(assetID, "A", 600, 0)

	vote, err := polls.GetVote(ctx, poll.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !approxEqual(vote.VotingPower, 0.4) {
		t.Errorf("expected frozen power 0.4, got %f", vote.VotingPower)
	}
}
