package bus

import (
	"sync"

	"paper_trader/internal/models"
)

type seqKey struct {
	Instrument string
	Timeframe  string
}

// EventBus — FIFO-очередь свечных событий с монотонными sequence_id
// на пару (instrument, timeframe). Никаких пакетных синглтонов: шина
// создаётся раннером и передаётся коллабораторам явно.
type EventBus struct {
	mu  sync.Mutex
	q   []models.CandleEvent
	seq map[seqKey]int64
}

func New() *EventBus {
	return &EventBus{
		seq: make(map[seqKey]int64),
	}
}

// NextSequence выдаёт строго возрастающий номер, начиная с 1.
func (b *EventBus) NextSequence(instrument, timeframe string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := seqKey{Instrument: instrument, Timeframe: timeframe}
	b.seq[k]++
	return b.seq[k]
}

func (b *EventBus) Emit(ev models.CandleEvent) {
	b.mu.Lock()
	b.q = append(b.q, ev)
	b.mu.Unlock()
}

// Next возвращает nil, когда очередь пуста.
func (b *EventBus) Next() *models.CandleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.q) == 0 {
		return nil
	}
	ev := b.q[0]
	b.q = b.q[1:]
	return &ev
}

func (b *EventBus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q)
}
