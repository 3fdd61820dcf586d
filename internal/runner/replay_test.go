package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/bus"
	"paper_trader/internal/engine"
	"paper_trader/internal/gate"
	"paper_trader/internal/marketstream"
	"paper_trader/internal/models"
	"paper_trader/internal/risk"
	"paper_trader/internal/strategy"
	"paper_trader/pkg/logger"
)

type silentGov struct{}

func (silentGov) InsertGovernance(context.Context, string, string, string, string, string, map[string]any) error {
	return nil
}

// writeBreakoutFeed пишет 30 плоских баров и один пробойный.
func writeBreakoutFeed(t *testing.T, dir, symbol string) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("timestamp,open,high,low,close,volume\n")
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		ts := base.Add(time.Duration(i) * 5 * time.Minute).Format(time.RFC3339)
		sb.WriteString(fmt.Sprintf("%s,99,100,98,99,10\n", ts))
	}
	ts := base.Add(30 * 5 * time.Minute).Format(time.RFC3339)
	sb.WriteString(fmt.Sprintf("%s,99,105,99,104,25\n", ts))

	path := filepath.Join(dir, symbol+"_5m.csv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
}

func promoteGate(t *testing.T, dir string) (gatePath, regimePath string) {
	t.Helper()
	gatePath = filepath.Join(dir, "gate.json")
	regimePath = filepath.Join(dir, "regime.json")
	require.NoError(t, os.WriteFile(gatePath,
		[]byte(`{"promotion_status":"PROMOTE","rolling_expectancy":{"latest":0.3}}`), 0o644))
	require.NoError(t, os.WriteFile(regimePath,
		[]byte(`{"labels":[{"regime":"TREND_NORMAL"}]}`), 0o644))
	return gatePath, regimePath
}

// replayHash прогоняет полный стек poll -> drain -> engine по фиду и
// возвращает хэш всех принятых решений.
func replayHash(t *testing.T, dataDir, gatePath, regimePath string) (string, int) {
	t.Helper()

	b := bus.New()
	stream := marketstream.New([]string{"BTCUSD"}, "5m", dataDir, b)
	e := engine.New(
		strategy.NewBreakout(),
		risk.NewEngine(0.005, -3.0),
		gate.NewAdapter(gatePath, regimePath, "TREND_NORMAL"),
		silentGov{},
		logger.NopEvents{},
		engine.Config{Equity: 1000, MaxOpenExposureR: 2.0, ExitAfterCandles: 12, Setup: "breakout_v2"},
	)

	_, err := stream.Poll()
	require.NoError(t, err)

	h := sha256.New()
	intents := 0
	for ev := b.Next(); ev != nil; ev = b.Next() {
		d := e.ProcessEvent(context.Background(), *ev)
		if d.Signal != nil {
			h.Write([]byte(d.Signal.SignalID))
			h.Write([]byte(d.VetoReason))
		}
		for _, intent := range d.Intents {
			h.Write([]byte(intent.IntentID))
			intents++
			if intent.IntentType == models.IntentEntry {
				e.OnEntryFilled(intent, ev.SequenceID, intent.EntryPx)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil)), intents
}

func TestReplayParity(t *testing.T) {
	dataDir := t.TempDir()
	writeBreakoutFeed(t, dataDir, "BTCUSD")
	gatePath, regimePath := promoteGate(t, t.TempDir())

	h1, n1 := replayHash(t, dataDir, gatePath, regimePath)
	h2, n2 := replayHash(t, dataDir, gatePath, regimePath)

	require.Positive(t, n1, "feed must produce at least one intent")
	assert.Equal(t, n1, n2)
	assert.Equal(t, h1, h2)
}
