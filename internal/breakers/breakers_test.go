package breakers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func triggerNames(events []Trigger) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.Trigger)
	}
	return out
}

func TestEvaluateRules(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name string
		snap Snapshot
		want []string
	}{
		{
			name: "healthy snapshot trips nothing",
			snap: Snapshot{StaleSeconds: 1, LatencyP95MS: 200, RealizedRDay: 0.5},
			want: nil,
		},
		{
			name: "stale feed",
			snap: Snapshot{StaleSeconds: 4},
			want: []string{TriggerDataStale},
		},
		{
			name: "latency spike",
			snap: Snapshot{LatencyP95MS: 1500},
			want: []string{TriggerLatencySpike},
		},
		{
			name: "spread shock needs duration",
			snap: Snapshot{SpreadBps: 30, DailyMedianSpreadBps: 10, SpreadShockMinutes: 2},
			want: nil,
		},
		{
			name: "spread shock",
			snap: Snapshot{SpreadBps: 30, DailyMedianSpreadBps: 10, SpreadShockMinutes: 3},
			want: []string{TriggerSpreadShock},
		},
		{
			name: "reject streak",
			snap: Snapshot{RejectCount10M: 5},
			want: []string{TriggerRejectStreak},
		},
		{
			name: "fill mismatch",
			snap: Snapshot{FillMismatchPolls: 2},
			want: []string{TriggerFillMismatch},
		},
		{
			name: "daily loss cap",
			snap: Snapshot{RealizedRDay: -3.0},
			want: []string{TriggerDailyLossCap},
		},
		{
			name: "several rules at once",
			snap: Snapshot{StaleSeconds: 10, RealizedRDay: -4.2},
			want: []string{TriggerDataStale, TriggerDailyLossCap},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.snap, cfg)
			assert.Equal(t, tt.want, triggerNames(got))
		})
	}
}

func TestEvaluateActions(t *testing.T) {
	got := Evaluate(Snapshot{RealizedRDay: -3.0}, Config{})
	require.Len(t, got, 1)
	assert.Equal(t, ActionStopUntilNextUTCDay, got[0].Action)
	assert.Equal(t, "realized_R_day<=-3", got[0].Threshold)

	got = Evaluate(Snapshot{FillMismatchPolls: 2}, Config{})
	require.Len(t, got, 1)
	assert.Equal(t, ActionSafeReconcileOptFlatten, got[0].Action)
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	// пустой конфиг эквивалентен дефолтному
	snap := Snapshot{StaleSeconds: 3.5}
	assert.Equal(t, Evaluate(snap, DefaultConfig()), Evaluate(snap, Config{}))
}
