package models

import (
	"time"

	"github.com/estate-ledger/internal/types"
)

// PollOption is one selectable answer on a poll. Options are stored as JSONB
// on the poll row.
type PollOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Poll is one governance question over an asset's holders. The denominators
// for voting power (circulating tokens, total invested capital, eligible
// voter count) are snapshotted at creation time so later ledger activity
// cannot shift already-cast votes.
type Poll struct {
	ID                    string            `json:"id"`
	AssetID               string            `json:"assetId"`
	CreatorID             string            `json:"creatorId"`
	Question              string            `json:"question"`
	Options               []PollOption      `json:"options"`
	VotingBasis           types.VotingBasis `json:"votingBasis"`
	RequiresConsensus     bool              `json:"requiresConsensus"`
	ConsensusThresholdPct float64           `json:"consensusThresholdPct"`
	MinParticipationPct   float64           `json:"minParticipationPct"`
	AllowVoteChanges      bool              `json:"allowVoteChanges"`
	Deadline              time.Time         `json:"deadline"`
	Status                types.PollStatus  `json:"status"`

	// Snapshots taken at creation.
	SnapshotTokens     int64 `json:"snapshotTokens"`     // circulating tokens
	SnapshotInvestment int64 `json:"snapshotInvestment"` // total cost basis, minor units
	SnapshotVoters     int   `json:"snapshotVoters"`     // holders with a non-zero balance

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Option returns the option with the given id, if present.
func (p *Poll) Option(id string) (PollOption, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return PollOption{}, false
}

// Vote is one voter's cast on a poll, keyed by (PollID, VoterID). VotingPower
// is snapshotted at cast time; when vote changes are allowed the latest cast
// wins.
type Vote struct {
	PollID      string    `json:"pollId"`
	VoterID     string    `json:"voterId"`
	OptionID    string    `json:"optionId"`
	VotingPower float64   `json:"votingPower"`
	CastAt      time.Time `json:"castAt"`
}
