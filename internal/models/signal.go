package models

import "time"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Signal — кандидат на вход от стратегии. Ещё не прошёл ни одной проверки.
type Signal struct {
	SignalID        string
	Instrument      string
	Timestamp       time.Time
	Side            Side
	EntryPx         float64
	StopPx          float64
	TargetR         float64
	EventSequenceID int64
	Setup           string
}
