package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/models"
	"github.com/estate-ledger/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GovernanceRepository handles polls and votes. Vote upserts resolve
// concurrent casts by the same voter with last-write-wins at the storage
// layer; no additional conflict detection is applied.
type GovernanceRepository struct {
	db *PostgresDB
}

// NewGovernanceRepository creates a new governance repository
func NewGovernanceRepository(db *PostgresDB) *GovernanceRepository {
	return &GovernanceRepository{db: db}
}

// CreatePoll persists a new poll, including its creation-time snapshots.
func (r *GovernanceRepository) CreatePoll(ctx context.Context, poll *models.Poll) error {
	if poll.ID == "" {
		poll.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	poll.CreatedAt = now
	poll.UpdatedAt = now

	optionsJSON, err := json.Marshal(poll.Options)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal poll options", err)
	}

	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO polls
			(id, asset_id, creator_id, question, options, voting_basis,
			 requires_consensus, consensus_threshold_pct, min_participation_pct,
			 allow_vote_changes, deadline, status,
			 snapshot_tokens, snapshot_investment, snapshot_voters,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		poll.ID, poll.AssetID, poll.CreatorID, poll.Question, optionsJSON, poll.VotingBasis,
		poll.RequiresConsensus, poll.ConsensusThresholdPct, poll.MinParticipationPct,
		poll.AllowVoteChanges, poll.Deadline, poll.Status,
		poll.SnapshotTokens, poll.SnapshotInvestment, poll.SnapshotVoters,
		poll.CreatedAt, poll.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("create poll", err)
	}

	return nil
}

// GetPoll retrieves a poll by id
func (r *GovernanceRepository) GetPoll(ctx context.Context, id string) (*models.Poll, error) {
	var p models.Poll
	var optionsJSON []byte

	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, asset_id, creator_id, question, options, voting_basis,
		       requires_consensus, consensus_threshold_pct, min_participation_pct,
		       allow_vote_changes, deadline, status,
		       snapshot_tokens, snapshot_investment, snapshot_voters,
		       created_at, updated_at
		FROM polls WHERE id = $1
	`, id).Scan(
		&p.ID, &p.AssetID, &p.CreatorID, &p.Question, &optionsJSON, &p.VotingBasis,
		&p.RequiresConsensus, &p.ConsensusThresholdPct, &p.MinParticipationPct,
		&p.AllowVoteChanges, &p.Deadline, &p.Status,
		&p.SnapshotTokens, &p.SnapshotInvestment, &p.SnapshotVoters,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("poll", id)
		}
		return nil, apperrors.NewDatabaseError("get poll", err)
	}

	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &p.Options); err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal poll options", err)
		}
	}

	return &p, nil
}

// ClosePoll transitions an active poll to a terminal status.
func (r *GovernanceRepository) ClosePoll(ctx context.Context, id string, status types.PollStatus) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE polls SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'active'
	`, id, status, time.Now().UTC())
	if err != nil {
		return apperrors.NewDatabaseError("close poll", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError("poll is not active: " + id)
	}
	return nil
}

// GetVote retrieves one voter's vote on a poll, if any.
func (r *GovernanceRepository) GetVote(ctx context.Context, pollID, voterID string) (*models.Vote, error) {
	var v models.Vote
	err := r.db.Pool().QueryRow(ctx, `
		SELECT poll_id, voter_id, option_id, voting_power, cast_at
		FROM votes WHERE poll_id = $1 AND voter_id = $2
	`, pollID, voterID).Scan(&v.PollID, &v.VoterID, &v.OptionID, &v.VotingPower, &v.CastAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("vote", voterID)
		}
		return nil, apperrors.NewDatabaseError("get vote", err)
	}
	return &v, nil
}

// UpsertVote inserts a vote keyed by (poll_id, voter_id). When allowChange is
// set the new cast overwrites the prior one; otherwise a second cast returns
// DuplicateVote.
func (r *GovernanceRepository) UpsertVote(ctx context.Context, vote *models.Vote, allowChange bool) error {
	vote.CastAt = time.Now().UTC()

	if allowChange {
		_, err := r.db.Pool().Exec(ctx, `
			INSERT INTO votes (poll_id, voter_id, option_id, voting_power, cast_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (poll_id, voter_id) DO UPDATE
			SET option_id = EXCLUDED.option_id,
			    voting_power = EXCLUDED.voting_power,
			    cast_at = EXCLUDED.cast_at
		`, vote.PollID, vote.VoterID, vote.OptionID, vote.VotingPower, vote.CastAt)
		if err != nil {
			return apperrors.NewDatabaseError("upsert vote", err)
		}
		return nil
	}

	tag, err := r.db.Pool().Exec(ctx, `
		INSERT INTO votes (poll_id, voter_id, option_id, voting_power, cast_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (poll_id, voter_id) DO NOTHING
	`, vote.PollID, vote.VoterID, vote.OptionID, vote.VotingPower, vote.CastAt)
	if err != nil {
		return apperrors.NewDatabaseError("insert vote", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewDuplicateVoteError(vote.PollID, vote.VoterID)
	}
	return nil
}

// ListVotes returns all votes cast on a poll
func (r *GovernanceRepository) ListVotes(ctx context.Context, pollID string) ([]*models.Vote, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT poll_id, voter_id, option_id, voting_power, cast_at
		FROM votes WHERE poll_id = $1 ORDER BY cast_at ASC
	`, pollID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list votes", err)
	}
	defer rows.Close()

	var votes []*models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.PollID, &v.VoterID, &v.OptionID, &v.VotingPower, &v.CastAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan vote", err)
		}
		votes = append(votes, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate votes", err)
	}

	return votes, nil
}
