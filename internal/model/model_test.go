package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusQueued, StatusError, true},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusRunning, false},
		{StatusError, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestParseStatusAliases(t *testing.T) {
	status, cancelled, err := ParseStatus("cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.True(t, cancelled)

	status, _, err = ParseStatus("initializing")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)

	_, _, err = ParseStatus("exploded")
	assert.Error(t, err)
}

func TestFindingAcceptsNumericIDs(t *testing.T) {
	var f Finding
	raw := `{"id": 42, "scan_id": "s-1", "severity": "HIGH", "matched_patterns": ["sqli", "sqli", "xss"]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &f))
	assert.Equal(t, "42", f.ID)
	assert.Equal(t, "s-1", f.ScanID)
	assert.Equal(t, SeverityHigh, f.Severity)
	assert.Equal(t, []string{"sqli", "xss"}, f.MatchedPatterns)
}

func TestSnapshotNormalizeFillsIDs(t *testing.T) {
	var snap Snapshot
	raw := `{"active_scans": {"s-1": {"domain": "example.com", "status": "running", "progress": 140}}, "scan_history": {}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	snap.Normalize()

	rec := snap.ActiveScans["s-1"]
	assert.Equal(t, "s-1", rec.ID)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, PriorityNormal, rec.Priority)
}
