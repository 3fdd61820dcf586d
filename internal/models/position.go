package models

import "time"

type PositionStatus string

const (
	PositionOpen        PositionStatus = "OPEN"
	PositionExitPending PositionStatus = "EXIT_PENDING"
	PositionClosed      PositionStatus = "CLOSED"
)

// Position живёт в памяти движка от подтверждённого входа до подтверждённого
// выхода. CLOSED — терминальный статус, такая позиция сразу выкидывается из
// карты, история остаётся только в базе.
type Position struct {
	PositionID      string
	SignalID        string
	Instrument      string
	Side            Side
	EntryTS         time.Time
	EntrySequenceID int64
	EntryPrice      float64
	RiskR           float64
	Qty             float64
	StopPrice       float64
	TakePrice       *float64
	Status          PositionStatus

	ExitTS     time.Time
	ExitPrice  float64
	ExitReason string
}
