package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"paper_trader/internal/models"
)

const (
	bufferSize  = 40
	warmupBars  = 25
	lookbackHH  = 23 // хай за предыдущие 23 бара, текущий не считаем
	stopPctDown = 0.99
)

// Breakout — детерминированный пробойный сетап: закрытие выше максимума
// предыдущих баров даёт сигнал на покупку со стопом в 1% ниже входа.
type Breakout struct {
	setup   string
	buffers map[string][]models.CandleEvent
}

func NewBreakout() *Breakout {
	return &Breakout{
		setup:   "breakout_v2",
		buffers: make(map[string][]models.CandleEvent),
	}
}

func (b *Breakout) Setup() string { return b.setup }

func (b *Breakout) Generate(ev models.CandleEvent) *models.Signal {
	buf := append(b.buffers[ev.Instrument], ev)
	if len(buf) > bufferSize {
		buf = buf[len(buf)-bufferSize:]
	}
	b.buffers[ev.Instrument] = buf

	if len(buf) < warmupBars {
		return nil
	}

	hh := 0.0
	for _, c := range buf[len(buf)-1-lookbackHH : len(buf)-1] {
		if c.High > hh {
			hh = c.High
		}
	}
	if ev.Close <= hh {
		return nil
	}

	key := fmt.Sprintf("%s|%s|%s|%d|long",
		ev.Instrument, ev.Timeframe, ev.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"), ev.SequenceID)
	sum := sha256.Sum256([]byte(key))

	return &models.Signal{
		SignalID:        hex.EncodeToString(sum[:])[:32],
		Instrument:      ev.Instrument,
		Timestamp:       ev.Timestamp,
		Side:            models.SideBuy,
		EntryPx:         ev.Close,
		StopPx:          ev.Close * stopPctDown,
		TargetR:         2.5,
		EventSequenceID: ev.SequenceID,
		Setup:           b.setup,
	}
}
