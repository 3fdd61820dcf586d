package models

import "time"

// OpenTradeRow — строка trades со статусом OPEN, как её отдаёт storage.
// Из этих строк лайфцикл восстанавливает состояние движка после рестарта.
type OpenTradeRow struct {
	TradeID         string
	SignalID        string
	Instrument      string
	Side            Side
	EntryTimestamp  time.Time
	EntryPrice      float64
	Qty             float64
	RiskR           float64
	EntrySequenceID int64
	StopPrice       float64
	TakePrice       *float64
}
