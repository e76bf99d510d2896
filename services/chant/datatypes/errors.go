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

import "errors"

// Sentinel errors surfaced verbatim to callers. Wrap with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	// ErrNotFound is returned for a missing deliberation, cell, idea or comment.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPhase is returned when an operation is not allowed in the
	// deliberation's current phase.
	ErrInvalidPhase = errors.New("invalid phase")

	// ErrCellClosed is returned when voting on a cell that is not open.
	ErrCellClosed = errors.New("cell is not accepting votes")

	// ErrNotParticipant is returned when a user acts on a cell they are not in.
	ErrNotParticipant = errors.New("user is not a participant of this cell")

	// ErrInvalidBallot is returned for a ballot that breaks the point budget
	// or names an idea outside the cell.
	ErrInvalidBallot = errors.New("invalid ballot")

	// ErrDuplicate is returned when a unique record already exists.
	ErrDuplicate = errors.New("already exists")

	// ErrUnknownEnum is returned when decoding an unknown status name.
	ErrUnknownEnum = errors.New("unknown enum value")
)
