package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/models"
)

func bar(instrument string, seq int64, high, close float64) models.CandleEvent {
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	return models.CandleEvent{
		Instrument: instrument,
		Timeframe:  "5m",
		Timestamp:  base.Add(time.Duration(seq) * 5 * time.Minute),
		Open:       close,
		High:       high,
		Low:        close - 1,
		Close:      close,
		Volume:     1,
		SequenceID: seq,
	}
}

func warmup(b *Breakout, instrument string, n int) {
	for i := 1; i <= n; i++ {
		b.Generate(bar(instrument, int64(i), 100, 99))
	}
}

func TestNoSignalDuringWarmup(t *testing.T) {
	b := NewBreakout()
	for i := 1; i < warmupBars; i++ {
		assert.Nil(t, b.Generate(bar("BTCUSD", int64(i), 100, 120)))
	}
}

func TestBreakoutEmitsBuySignal(t *testing.T) {
	b := NewBreakout()
	warmup(b, "BTCUSD", 30)

	// закрытие выше всех предыдущих хаёв
	ev := bar("BTCUSD", 31, 105, 104)
	sig := b.Generate(ev)
	require.NotNil(t, sig)

	assert.Equal(t, models.SideBuy, sig.Side)
	assert.Equal(t, "BTCUSD", sig.Instrument)
	assert.Equal(t, 104.0, sig.EntryPx)
	assert.InDelta(t, 104.0*0.99, sig.StopPx, 1e-12)
	assert.Equal(t, int64(31), sig.EventSequenceID)
	assert.Equal(t, "breakout_v2", sig.Setup)
	assert.Len(t, sig.SignalID, 32)
}

func TestNoSignalBelowPriorHigh(t *testing.T) {
	b := NewBreakout()
	warmup(b, "BTCUSD", 30)

	assert.Nil(t, b.Generate(bar("BTCUSD", 31, 100, 99.5)))
	assert.Nil(t, b.Generate(bar("BTCUSD", 32, 100, 100.0))) // ровно на хае не пробой
}

func TestSignalIDDeterministicPerEvent(t *testing.T) {
	gen := func() *models.Signal {
		b := NewBreakout()
		warmup(b, "BTCUSD", 30)
		return b.Generate(bar("BTCUSD", 31, 105, 104))
	}

	s1 := gen()
	s2 := gen()
	require.NotNil(t, s1)
	require.NotNil(t, s2)
	assert.Equal(t, s1.SignalID, s2.SignalID)

	// другой sequence -> другой id
	b := NewBreakout()
	warmup(b, "BTCUSD", 30)
	b.Generate(bar("BTCUSD", 31, 100, 99))
	s3 := b.Generate(bar("BTCUSD", 32, 105, 104))
	require.NotNil(t, s3)
	assert.NotEqual(t, s1.SignalID, s3.SignalID)
}

func TestBuffersAreIsolatedPerInstrument(t *testing.T) {
	b := NewBreakout()
	warmup(b, "BTCUSD", 30)

	// ETHUSD ещё в вормапе, пробойный бар сигнала не даёт
	assert.Nil(t, b.Generate(bar("ETHUSD", 1, 105, 104)))
	// BTCUSD при этом прогрет
	assert.NotNil(t, b.Generate(bar("BTCUSD", 31, 105, 104)))
}
