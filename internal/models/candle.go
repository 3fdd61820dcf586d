package models

import "time"

// CandleEvent — закрытая свеча, единица работы движка.
// Иммутабельна: создаётся один раз стримом и дальше только читается.
type CandleEvent struct {
	Instrument string
	Timeframe  string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	SequenceID int64
}
