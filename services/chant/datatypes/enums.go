// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the domain model of the chant consensus engine.
//
// # Description
//
// The package holds the entities persisted by the store (Deliberation, Idea,
// Cell, Vote, Comment, Membership, Prediction, Event), the closed status
// enumerations that drive the tier state machine, the structured outcomes
// returned by every engine entry point, and the validated request bodies of
// the HTTP API.
//
// # Status Enumerations
//
// Every status is a closed tagged variant backed by uint8. The zero value is
// deliberately invalid so a missing field is detected at decode time rather
// than silently treated as a real state. Text encoding uses the upper-case
// names ("VOTING", "IN_VOTING", ...) so JSON and SQL columns stay readable.
package datatypes

import (
	"fmt"
)

// =============================================================================
// Deliberation Phase
// =============================================================================

// Phase is the lifecycle phase of a deliberation.
type Phase uint8

const (
	// PhaseSubmission accepts new ideas before the first vote.
	PhaseSubmission Phase = iota + 1

	// PhaseVoting runs tiers of cells until one idea remains.
	PhaseVoting

	// PhaseAccumulating holds a champion while challengers are collected.
	// Only reachable in rolling mode.
	PhaseAccumulating

	// PhaseCompleted is terminal.
	PhaseCompleted
)

var phaseNames = map[Phase]string{
	PhaseSubmission:   "SUBMISSION",
	PhaseVoting:       "VOTING",
	PhaseAccumulating: "ACCUMULATING",
	PhaseCompleted:    "COMPLETED",
}

// String returns the canonical upper-case name.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// ParsePhase converts a canonical name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: phase %q", ErrUnknownEnum, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: phase %d", ErrUnknownEnum, uint8(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// =============================================================================
// Idea Status
// =============================================================================

// IdeaStatus is the position of an idea in the tier state machine.
//
// # Transitions
//
//	SUBMITTED  -> IN_VOTING (voting starts) | WINNER (single-idea auto win)
//	PENDING    -> IN_VOTING (challenge round) | BENCHED | RETIRED
//	IN_VOTING  -> ADVANCING | ELIMINATED | WINNER
//	ADVANCING  -> IN_VOTING (next tier) | WINNER
//	WINNER     -> DEFENDING (challenge round starts)
//	DEFENDING  -> IN_VOTING (re-entry) | WINNER
//	ELIMINATED -> BENCHED (lost a challenge round, rolling mode only)
//	BENCHED    -> IN_VOTING | RETIRED
type IdeaStatus uint8

const (
	IdeaSubmitted IdeaStatus = iota + 1
	IdeaPending
	IdeaInVoting
	IdeaAdvancing
	IdeaWinner
	IdeaEliminated
	IdeaDefending
	IdeaBenched
	IdeaRetired
)

var ideaStatusNames = map[IdeaStatus]string{
	IdeaSubmitted:  "SUBMITTED",
	IdeaPending:    "PENDING",
	IdeaInVoting:   "IN_VOTING",
	IdeaAdvancing:  "ADVANCING",
	IdeaWinner:     "WINNER",
	IdeaEliminated: "ELIMINATED",
	IdeaDefending:  "DEFENDING",
	IdeaBenched:    "BENCHED",
	IdeaRetired:    "RETIRED",
}

// String returns the canonical upper-case name.
func (s IdeaStatus) String() string {
	if name, ok := ideaStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IdeaStatus(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s IdeaStatus) Valid() bool {
	_, ok := ideaStatusNames[s]
	return ok
}

// ParseIdeaStatus converts a canonical name back to an IdeaStatus.
func ParseIdeaStatus(v string) (IdeaStatus, error) {
	for s, name := range ideaStatusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: idea status %q", ErrUnknownEnum, v)
}

// MarshalText implements encoding.TextMarshaler.
func (s IdeaStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: idea status %d", ErrUnknownEnum, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *IdeaStatus) UnmarshalText(b []byte) error {
	v, err := ParseIdeaStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsCandidate reports whether an idea in this status may be drawn into the
// next challenge round.
func (s IdeaStatus) IsCandidate() bool {
	switch s {
	case IdeaPending, IdeaBenched:
		return true
	case IdeaSubmitted, IdeaInVoting, IdeaAdvancing, IdeaWinner,
		IdeaEliminated, IdeaDefending, IdeaRetired:
		return false
	}
	return false
}

// =============================================================================
// Cell Status
// =============================================================================

// CellStatus is the lifecycle of a single voting cell.
type CellStatus uint8

const (
	// CellDeliberating is the optional discussion window before voting.
	CellDeliberating CellStatus = iota + 1
	CellVoting
	// CellCompleted is terminal; votes are immutable from here on.
	CellCompleted
)

var cellStatusNames = map[CellStatus]string{
	CellDeliberating: "DELIBERATING",
	CellVoting:       "VOTING",
	CellCompleted:    "COMPLETED",
}

// String returns the canonical upper-case name.
func (s CellStatus) String() string {
	if name, ok := cellStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CellStatus(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s CellStatus) Valid() bool {
	_, ok := cellStatusNames[s]
	return ok
}

// ParseCellStatus converts a canonical name back to a CellStatus.
func ParseCellStatus(v string) (CellStatus, error) {
	for s, name := range cellStatusNames {
		if name == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: cell status %q", ErrUnknownEnum, v)
}

// MarshalText implements encoding.TextMarshaler.
func (s CellStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: cell status %d", ErrUnknownEnum, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CellStatus) UnmarshalText(b []byte) error {
	v, err := ParseCellStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// =============================================================================
// Completion Reason
// =============================================================================

// CompletionReason records why a deliberation reached PhaseCompleted.
type CompletionReason uint8

const (
	// ReasonNone is used while the deliberation is still running.
	ReasonNone CompletionReason = iota + 1
	// ReasonChampion: a champion was declared outside rolling mode.
	ReasonChampion
	// ReasonCancelled: submission closed with too few ideas.
	ReasonCancelled
	// ReasonQuiet: consecutive challenge rounds found no challenger.
	ReasonQuiet
)

var completionReasonNames = map[CompletionReason]string{
	ReasonNone:      "NONE",
	ReasonChampion:  "CHAMPION",
	ReasonCancelled: "CANCELLED",
	ReasonQuiet:     "QUIET",
}

// String returns the canonical upper-case name.
func (r CompletionReason) String() string {
	if name, ok := completionReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CompletionReason(%d)", uint8(r))
}

// Valid reports whether r is one of the declared reasons.
func (r CompletionReason) Valid() bool {
	_, ok := completionReasonNames[r]
	return ok
}

// ParseCompletionReason converts a canonical name back to a CompletionReason.
func ParseCompletionReason(v string) (CompletionReason, error) {
	for r, name := range completionReasonNames {
		if name == v {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: completion reason %q", ErrUnknownEnum, v)
}

// MarshalText implements encoding.TextMarshaler.
func (r CompletionReason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: completion reason %d", ErrUnknownEnum, uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *CompletionReason) UnmarshalText(b []byte) error {
	v, err := ParseCompletionReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
