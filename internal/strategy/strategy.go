package strategy

import "paper_trader/internal/models"

// Engine — то, что движок дёргает на каждой свече.
// nil означает «сигнала нет», и это нормальный исход.
type Engine interface {
	Generate(ev models.CandleEvent) *models.Signal
}
