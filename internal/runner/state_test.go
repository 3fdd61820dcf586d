package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	st := RuntimeState{
		InstanceID:    "inst-1",
		SafeMode:      true,
		RealizedRDay:  -1.5,
		Day:           "2026-01-02",
		OpenPositions: 2,
		OpenExposureR: 2.0,
		Positions:     map[string]float64{"BTCUSD": 1.0, "ETHUSD": 1.0},
	}
	require.NoError(t, SaveState(path, st))

	got, err := LoadState(path)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, got.SafeMode)
	assert.Equal(t, -1.5, got.RealizedRDay)
	assert.Equal(t, "2026-01-02", got.Day)
	assert.Equal(t, st.Positions, got.Positions)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestLoadStateMissingFile(t *testing.T) {
	got, err := LoadState(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadStateBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := LoadState(path)
	assert.Error(t, err)
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")

	require.NoError(t, SaveMetrics(path, RuntimeMetrics{PollsTotal: 3}))
	require.NoError(t, SaveMetrics(path, RuntimeMetrics{PollsTotal: 4}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m.json", entries[0].Name())
}
