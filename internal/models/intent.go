package models

import "time"

type IntentType string

const (
	IntentEntry IntentType = "ENTRY"
	IntentExit  IntentType = "EXIT"
)

// OrderIntent — иммутабельный результат решения движка. intent_id — это
// контентный sha256-хеш, поэтому повторная обработка того же события даёт
// тот же самый intent.
type OrderIntent struct {
	IntentID    string
	SignalID    string
	Instrument  string
	Side        Side
	EntryPx     float64
	StopPx      float64
	Qty         float64
	RiskDollars float64
	EventTS     time.Time
	IntentType  IntentType
	PositionID  string
	ExitReason  string
}

// OrderResult — ответ исполнителя на размещённый intent.
type OrderResult struct {
	OrderID string
	Status  string
}

// Fill — детерминированная симуляция исполнения.
type Fill struct {
	FillID      string
	OrderID     string
	FillPx      float64
	FillQty     float64
	SlippageBps float64
	TS          time.Time
}
