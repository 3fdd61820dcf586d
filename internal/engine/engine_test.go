package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/models"
	"paper_trader/pkg/logger"
)

type scriptedStrategy struct {
	signalFor func(ev models.CandleEvent) *models.Signal
}

func (s scriptedStrategy) Generate(ev models.CandleEvent) *models.Signal {
	if s.signalFor == nil {
		return nil
	}
	return s.signalFor(ev)
}

type stubRisk struct {
	allow  bool
	reason string
}

func (r stubRisk) Allow(*models.Signal) (bool, string) { return r.allow, r.reason }
func (r stubRisk) Size(*models.Signal, float64) (float64, float64) {
	return 5.0, 5.0
}

type stubGate struct {
	allow  bool
	reason string
}

func (g stubGate) Allow(*models.Signal) (bool, string, map[string]any) {
	if g.allow {
		return true, "", map[string]any{}
	}
	return false, g.reason, map[string]any{}
}

type govRecord struct {
	kind   string
	reason string
}

type govRecorder struct {
	records []govRecord
}

func (g *govRecorder) InsertGovernance(_ context.Context, kind, _, _, _, reason string, _ map[string]any) error {
	g.records = append(g.records, govRecord{kind: kind, reason: reason})
	return nil
}

func (g *govRecorder) kinds() []string {
	out := make([]string, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r.kind)
	}
	return out
}

func signalFromEvent(ev models.CandleEvent) *models.Signal {
	return &models.Signal{
		SignalID:        fmt.Sprintf("sig-%s-%d", ev.Instrument, ev.SequenceID),
		Instrument:      ev.Instrument,
		Timestamp:       ev.Timestamp,
		Side:            models.SideBuy,
		EntryPx:         ev.Close,
		StopPx:          ev.Close * 0.99,
		EventSequenceID: ev.SequenceID,
		Setup:           "breakout_v2",
	}
}

func candle(instrument string, seq int64) models.CandleEvent {
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	return models.CandleEvent{
		Instrument: instrument,
		Timeframe:  "5m",
		Timestamp:  base.Add(time.Duration(seq) * 5 * time.Minute),
		Close:      100.0,
		SequenceID: seq,
	}
}

func newTestEngine(gov *govRecorder, cfg Config) *Engine {
	return New(
		scriptedStrategy{signalFor: signalFromEvent},
		stubRisk{allow: true},
		stubGate{allow: true},
		gov,
		logger.NopEvents{},
		cfg,
	)
}

func TestExposureCapVetoesThirdEntry(t *testing.T) {
	gov := &govRecorder{}
	e := newTestEngine(gov, Config{
		Equity:           1000,
		MaxOpenExposureR: 2.0,
		ExitAfterCandles: 100,
		Setup:            "breakout_v2",
	})
	ctx := context.Background()

	for _, inst := range []string{"BTCUSD", "ETHUSD"} {
		d := e.ProcessEvent(ctx, candle(inst, 1))
		require.Len(t, d.Intents, 1)
		assert.Empty(t, d.VetoReason)
		e.OnEntryFilled(d.Intents[0], 1, 100.05)
	}
	assert.Equal(t, 2.0, e.OpenExposureR())

	d := e.ProcessEvent(ctx, candle("SOLUSD", 1))
	assert.Equal(t, VetoRiskExposureCap, d.VetoReason)
	assert.Empty(t, d.Intents)
	assert.Equal(t, 2.0, e.OpenExposureR())
	assert.Contains(t, gov.kinds(), "RISK_EXPOSURE_CAP")
}

func TestExposureReservedBeforeFill(t *testing.T) {
	gov := &govRecorder{}
	e := newTestEngine(gov, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 100})
	ctx := context.Background()

	// два решения без единого филла всё равно занимают экспозицию
	d1 := e.ProcessEvent(ctx, candle("BTCUSD", 1))
	require.Len(t, d1.Intents, 1)
	d2 := e.ProcessEvent(ctx, candle("ETHUSD", 1))
	require.Len(t, d2.Intents, 1)
	assert.Equal(t, 2.0, e.OpenExposureR())

	d3 := e.ProcessEvent(ctx, candle("SOLUSD", 1))
	assert.Equal(t, VetoRiskExposureCap, d3.VetoReason)

	// исполнитель отказал — резерв возвращается и слот свободен
	e.ReleaseEntry(d2.Intents[0])
	assert.Equal(t, 1.0, e.OpenExposureR())

	d4 := e.ProcessEvent(ctx, candle("SOLUSD", 2))
	require.Len(t, d4.Intents, 1)
	assert.Empty(t, d4.VetoReason)
}

func TestTimeExitAfterConfiguredCandles(t *testing.T) {
	gov := &govRecorder{}
	e := newTestEngine(gov, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 2})
	ctx := context.Background()

	d := e.ProcessEvent(ctx, candle("BTCUSD", 1))
	require.Len(t, d.Intents, 1)
	e.OnEntryFilled(d.Intents[0], 1, 100.05)

	// seq 2: прошла только одна свеча, выхода нет (и повторный вход закрыт)
	d = e.ProcessEvent(ctx, candle("BTCUSD", 2))
	assert.Empty(t, d.Intents)
	assert.Equal(t, VetoPositionAlreadyOpen, d.VetoReason)

	// seq 3: две свечи отстояли — выходим
	d = e.ProcessEvent(ctx, candle("BTCUSD", 3))
	require.Len(t, d.Intents, 1)
	exit := d.Intents[0]
	assert.Equal(t, models.IntentExit, exit.IntentType)
	assert.Equal(t, models.SideSell, exit.Side)
	assert.Equal(t, ExitReasonTime, exit.ExitReason)
	assert.NotEmpty(t, exit.PositionID)

	// EXIT_PENDING не эмитит второй exit-intent
	d = e.ProcessEvent(ctx, candle("BTCUSD", 4))
	assert.Empty(t, d.Intents)

	closed, err := e.OnExitFilled(exit, 101.0, exit.EventTS, exit.ExitReason)
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, closed.Status)
	assert.Equal(t, 0.0, e.OpenExposureR())
	assert.Equal(t, 0, e.State().OpenPositionsCount())
}

func TestSafeModeBlocksEntriesButNotExits(t *testing.T) {
	gov := &govRecorder{}
	e := newTestEngine(gov, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 2})
	ctx := context.Background()

	d := e.ProcessEvent(ctx, candle("BTCUSD", 1))
	require.Len(t, d.Intents, 1)
	e.OnEntryFilled(d.Intents[0], 1, 100.05)

	e.SetSafeMode(true)

	// вход по другому инструменту зарезан на самом раннем шаге
	d = e.ProcessEvent(ctx, candle("ETHUSD", 1))
	assert.Equal(t, VetoSafeModeActive, d.VetoReason)
	assert.Empty(t, d.Intents)

	// выход по времени обязан пройти и в safe mode
	d = e.ProcessEvent(ctx, candle("BTCUSD", 3))
	require.Len(t, d.Intents, 1)
	assert.Equal(t, models.IntentExit, d.Intents[0].IntentType)
	assert.Equal(t, VetoSafeModeActive, d.VetoReason)
}

func TestVetoReasonsFromGateAndRisk(t *testing.T) {
	gov := &govRecorder{}
	e := New(
		scriptedStrategy{signalFor: signalFromEvent},
		stubRisk{allow: true},
		stubGate{allow: false, reason: "promotion_reject"},
		gov,
		logger.NopEvents{},
		Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 100},
	)
	d := e.ProcessEvent(context.Background(), candle("BTCUSD", 1))
	assert.Equal(t, "promotion_reject", d.VetoReason)
	assert.Equal(t, 0.0, e.OpenExposureR())

	e = New(
		scriptedStrategy{signalFor: signalFromEvent},
		stubRisk{allow: false, reason: "daily_loss_cap"},
		stubGate{allow: true},
		gov,
		logger.NopEvents{},
		Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 100},
	)
	d = e.ProcessEvent(context.Background(), candle("BTCUSD", 1))
	assert.Equal(t, "daily_loss_cap", d.VetoReason)
}

func TestIntentIDsAreDeterministic(t *testing.T) {
	build := func() (Decision, Decision) {
		e := newTestEngine(&govRecorder{}, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 100})
		ctx := context.Background()
		d1 := e.ProcessEvent(ctx, candle("BTCUSD", 1))
		d2 := e.ProcessEvent(ctx, candle("ETHUSD", 1))
		return d1, d2
	}

	a1, a2 := build()
	b1, b2 := build()

	require.Len(t, a1.Intents, 1)
	require.Len(t, b1.Intents, 1)
	assert.Equal(t, a1.Intents[0].IntentID, b1.Intents[0].IntentID)
	assert.Equal(t, a2.Intents[0].IntentID, b2.Intents[0].IntentID)
	assert.NotEqual(t, a1.Intents[0].IntentID, a2.Intents[0].IntentID)
	assert.Len(t, a1.Intents[0].IntentID, 32)
}

func TestReleaseExitReopensPosition(t *testing.T) {
	gov := &govRecorder{}
	e := newTestEngine(gov, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 2})
	ctx := context.Background()

	d := e.ProcessEvent(ctx, candle("BTCUSD", 1))
	require.Len(t, d.Intents, 1)
	e.OnEntryFilled(d.Intents[0], 1, 100.05)

	d = e.ProcessEvent(ctx, candle("BTCUSD", 3))
	require.Len(t, d.Intents, 1)
	exit := d.Intents[0]
	require.Equal(t, models.IntentExit, exit.IntentType)

	// исполнитель отказал — без отката позиция зависла бы в EXIT_PENDING
	e.ReleaseExit(exit)
	snap := e.State().PositionsSnapshot()
	require.Contains(t, snap, "BTCUSD")
	assert.Equal(t, models.PositionOpen, snap["BTCUSD"].Status)
	assert.Equal(t, 1.0, e.OpenExposureR())

	// следующая свеча снова эмитит выход
	d = e.ProcessEvent(ctx, candle("BTCUSD", 4))
	require.Len(t, d.Intents, 1)
	assert.Equal(t, models.IntentExit, d.Intents[0].IntentType)

	// после филла откатывать нечего
	closed, err := e.OnExitFilled(d.Intents[0], 101.0, d.Intents[0].EventTS, ExitReasonTime)
	require.NoError(t, err)
	e.ReleaseExit(d.Intents[0])
	assert.Equal(t, models.PositionClosed, closed.Status)
	assert.Equal(t, 0, e.State().OpenPositionsCount())
}

func TestOnExitFilledUnknownPosition(t *testing.T) {
	e := newTestEngine(&govRecorder{}, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 2})

	_, err := e.OnExitFilled(models.OrderIntent{Instrument: "BTCUSD"}, 100, time.Now(), ExitReasonTime)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPosition)
}

func TestReplacePositionsRestoresState(t *testing.T) {
	e := newTestEngine(&govRecorder{}, Config{MaxOpenExposureR: 2.0, ExitAfterCandles: 100})

	e.ReplacePositions(map[string]*models.Position{
		"BTCUSD": {
			PositionID: "pos-1",
			Instrument: "BTCUSD",
			Side:       models.SideBuy,
			RiskR:      1.0,
			Status:     models.PositionOpen,
		},
	}, 1.0)

	assert.Equal(t, 1.0, e.OpenExposureR())
	assert.Equal(t, 1, e.State().OpenPositionsCount())

	// восстановленная позиция закрывает повторный вход
	d := e.ProcessEvent(context.Background(), candle("BTCUSD", 5))
	assert.Equal(t, VetoPositionAlreadyOpen, d.VetoReason)
}
