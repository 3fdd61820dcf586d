package lifecycle

import (
	"context"

	"paper_trader/internal/engine"
	"paper_trader/internal/models"

	"github.com/pkg/errors"
)

// OpenTradeSource — кусок storage, нужный бутстрапу.
type OpenTradeSource interface {
	FetchOpenTrades(ctx context.Context) ([]models.OpenTradeRow, error)
}

// BootstrapResult — что восстановили из базы.
type BootstrapResult struct {
	OpenPositions int
	OpenExposureR float64
}

// Bootstrap целиком подменяет позиции и экспозицию движка тем, что лежит
// в trades со статусом OPEN. Никакой локальный снапшот не авторитетен —
// после рестарта правда только в базе.
func Bootstrap(ctx context.Context, e *engine.Engine, src OpenTradeSource) (BootstrapResult, error) {
	rows, err := src.FetchOpenTrades(ctx)
	if err != nil {
		return BootstrapResult{}, errors.Wrap(err, "fetch open trades")
	}

	positions := make(map[string]*models.Position, len(rows))
	totalR := 0.0

	for _, r := range rows {
		if r.Instrument == "" {
			continue
		}
		riskR := r.RiskR
		if riskR == 0 {
			riskR = 1.0
		}
		side := r.Side
		if side == "" {
			side = models.SideBuy
		}
		positions[r.Instrument] = &models.Position{
			PositionID:      firstNonEmpty(r.TradeID, r.SignalID, r.Instrument),
			SignalID:        firstNonEmpty(r.SignalID, r.TradeID, r.Instrument),
			Instrument:      r.Instrument,
			Side:            side,
			EntryTS:         r.EntryTimestamp,
			EntrySequenceID: r.EntrySequenceID,
			EntryPrice:      r.EntryPrice,
			RiskR:           riskR,
			Qty:             r.Qty,
			StopPrice:       r.StopPrice,
			TakePrice:       r.TakePrice,
			Status:          models.PositionOpen,
		}
		totalR += riskR
	}

	e.ReplacePositions(positions, totalR)
	return BootstrapResult{
		OpenPositions: len(positions),
		OpenExposureR: totalR,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
