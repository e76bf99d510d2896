// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// OutcomeStatus tells the caller what an entry point actually did. A lost
// race is an outcome, not an error: another caller already owns the
// transition.
type OutcomeStatus string

const (
	OutcomeStarted                  OutcomeStatus = "started"
	OutcomeAutoWin                  OutcomeStatus = "auto_win"
	OutcomeCancelled                OutcomeStatus = "cancelled"
	OutcomeInsufficientParticipants OutcomeStatus = "insufficient_participants"
	OutcomeLostRace                 OutcomeStatus = "lost_race"
	OutcomeCompleted                OutcomeStatus = "completed"
	OutcomeNotReady                 OutcomeStatus = "not_ready"
	OutcomeAdvanced                 OutcomeStatus = "advanced"
	OutcomeChampionDeclared         OutcomeStatus = "champion_declared"
	OutcomeAlreadyResolved          OutcomeStatus = "already_resolved"
	OutcomeQuiet                    OutcomeStatus = "quiet"
	OutcomeAutoCompleted            OutcomeStatus = "auto_completed"
	OutcomeAssigned                 OutcomeStatus = "assigned"
	OutcomeAlreadyAssigned          OutcomeStatus = "already_assigned"
	OutcomeNoCellAvailable          OutcomeStatus = "no_cell_available"
	OutcomeRecorded                 OutcomeStatus = "recorded"
	OutcomeJoined                   OutcomeStatus = "joined"
	OutcomeAlreadyMember            OutcomeStatus = "already_member"
	OutcomeOpened                   OutcomeStatus = "opened"
)

// VotingOutcome is returned by StartVotingPhase.
type VotingOutcome struct {
	Status       OutcomeStatus `json:"status"`
	Ideas        int           `json:"ideas"`
	Participants int           `json:"participants"`
	CellsCreated int           `json:"cells_created"`
	ChampionID   string        `json:"champion_id,omitempty"`
}

// CellOutcome is returned by ProcessCellResults.
//
// Deferred is true when the cell shares its ballot with sibling cells and
// per-idea marking waits for tier aggregation.
type CellOutcome struct {
	Status     OutcomeStatus  `json:"status"`
	CellID     string         `json:"cell_id"`
	Tier       int            `json:"tier"`
	Timeout    bool           `json:"timeout"`
	ZeroVotes  bool           `json:"zero_votes"`
	Deferred   bool           `json:"deferred"`
	Totals     map[string]int `json:"totals,omitempty"`
	Advancing  []string       `json:"advancing,omitempty"`
	Eliminated []string       `json:"eliminated,omitempty"`
	Tiers      *TierOutcome   `json:"tier_outcome,omitempty"`
}

// TierOutcome is returned by CheckTierCompletion.
type TierOutcome struct {
	Status           OutcomeStatus `json:"status"`
	Tier             int           `json:"tier"`
	NextTier         int           `json:"next_tier,omitempty"`
	FinalShowdown    bool          `json:"final_showdown"`
	Advancing        []string      `json:"advancing,omitempty"`
	Eliminated       []string      `json:"eliminated,omitempty"`
	CellsCreated     int           `json:"cells_created"`
	CommentsPromoted int           `json:"comments_promoted"`
	ChampionID       string        `json:"champion_id,omitempty"`
	ChampionRejoined bool          `json:"champion_rejoined"`
	Phase            Phase         `json:"phase,omitempty"`
}

// ChallengeOutcome is returned by StartChallengeRound.
type ChallengeOutcome struct {
	Status       OutcomeStatus `json:"status"`
	Round        int           `json:"round"`
	MinNeeded    int           `json:"min_needed"`
	Competitors  []string      `json:"competitors,omitempty"`
	Retired      []string      `json:"retired,omitempty"`
	Benched      []string      `json:"benched,omitempty"`
	CellsCreated int           `json:"cells_created"`
	QuietRounds  int           `json:"quiet_rounds"`
}

// LateJoinOutcome is returned by AddLateJoinerToCell.
type LateJoinOutcome struct {
	Status         OutcomeStatus `json:"status"`
	CellID         string        `json:"cell_id,omitempty"`
	Tier           int           `json:"tier"`
	AuthorConflict bool          `json:"author_conflict"`
	CellSizeAfter  int           `json:"cell_size_after"`
}

// VoteOutcome is returned by CastVote.
type VoteOutcome struct {
	Status     OutcomeStatus `json:"status"`
	CellID     string        `json:"cell_id"`
	PointsCast int           `json:"points_cast"`
	Voters     int           `json:"voters"`
	Cell       *CellOutcome  `json:"cell_outcome,omitempty"`
}

// JoinOutcome is returned by JoinDeliberation. LateJoin is set when the
// deliberation was already voting and the member was seated in a cell.
type JoinOutcome struct {
	Status   OutcomeStatus    `json:"status"`
	LateJoin *LateJoinOutcome `json:"late_join,omitempty"`
}

// SubmissionOutcome is returned when the sweeper closes a submission window.
type SubmissionOutcome struct {
	Status OutcomeStatus  `json:"status"`
	Voting *VotingOutcome `json:"voting,omitempty"`
}
