// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/services/chant/datatypes"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 4, InitialBackoff: time.Microsecond, MaxBackoff: time.Millisecond}
}

func TestRetry_SucceedsAfterConflicts(t *testing.T) {
	calls, conflicts := 0, 0
	attempts, err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("commit: %w", ErrConflict)
		}
		return nil
	}, func() { conflicts++ })

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, conflicts)
}

func TestRetry_StopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		return boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Exhausted(t *testing.T) {
	attempts, err := Retry(context.Background(), fastRetry(), func(context.Context) error {
		return ErrConflict
	}, nil)

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 4, attempts)
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, fastRetry(), func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrNotFound_MatchesDomainError(t *testing.T) {
	err := fmt.Errorf("cell c1: %w", ErrNotFound)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}
