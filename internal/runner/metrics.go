package runner

import (
	"time"

	"github.com/bytedance/sonic"
)

// RuntimeMetrics — плоский JSON-артефакт для офлайн-пайплайна и дашбордов.
// Прометеевские метрики дублируют эти счётчики для живого скрейпа.
type RuntimeMetrics struct {
	EventsProcessed int64   `json:"events_processed"`
	SignalsTaken    int64   `json:"signals_taken"`
	SignalsVetoed   int64   `json:"signals_vetoed"`
	Orders          int64   `json:"orders"`
	Fills           int64   `json:"fills"`
	BreakerTrips    int64   `json:"breaker_trips"`
	PollsTotal      int64   `json:"polls_total"`
	LastPollEvents  int     `json:"last_poll_events"`
	FeedLatencyMS   float64 `json:"feed_latency_ms"`
	QueueDepth      int     `json:"queue_depth"`

	UpdatedAt time.Time `json:"updated_at"`
}

func SaveMetrics(path string, m RuntimeMetrics) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := sonic.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
