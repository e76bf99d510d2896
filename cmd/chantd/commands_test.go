// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Harness
// =============================================================================

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// memoryConfig writes a config that needs no disk store or collector.
func memoryConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
telemetry:
  trace_exporter: none
  metric_exporter: none
logging:
  quiet: true
`), 0644))
	return path
}

// =============================================================================
// Plan Tests
// =============================================================================

func TestPlan_Text(t *testing.T) {
	out, err := execute(t, "plan", "--participants", "17", "--ideas", "12")
	require.NoError(t, err)
	assert.Contains(t, out, "17 participants, 12 ideas -> 3 cells")
	assert.NotContains(t, out, "showdown")
}

func TestPlan_JSONShowdown(t *testing.T) {
	out, err := execute(t, "plan", "-p", "10", "-i", "3", "--json")
	require.NoError(t, err)

	var plan planOutput
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.True(t, plan.Showdown)
	require.Len(t, plan.Cells, 2)
	voters := 0
	for _, c := range plan.Cells {
		assert.Equal(t, 3, c.Ideas)
		voters += c.Voters
	}
	assert.Equal(t, 10, voters)
}

func TestPlan_RejectsBadCounts(t *testing.T) {
	_, err := execute(t, "plan", "--participants", "0", "--ideas", "3")
	assert.Error(t, err)
	_, err = execute(t, "plan", "--participants", "5")
	assert.Error(t, err)
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_InitThenCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chantd.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	out, err = execute(t, "config", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid (store badger")
}

func TestConfig_CheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: sqlite\n"), 0644))
	_, err := execute(t, "config", "check", path)
	assert.Error(t, err)
}

// =============================================================================
// One-Shot Service Commands
// =============================================================================

func TestSweep_EmptyStore(t *testing.T) {
	out, err := execute(t, "sweep", "--config", memoryConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "0 items, 0 failed")
}

func TestDispatch_EmptyStore(t *testing.T) {
	out, err := execute(t, "dispatch", "--config", memoryConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "pending 0, delivered 0")
}

func TestServe_BadConfigPath(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
