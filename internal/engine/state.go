package engine

import "paper_trader/internal/models"

// State — единственный мутируемый агрегат движка. Карта позиций приватна
// и меняется только через методы Engine, никакого шаринга наружу.
//
// Инварианты:
//   - OpenExposureR >= 0;
//   - на инструмент не больше одной позиции в статусе OPEN/EXIT_PENDING;
//   - после посадки филлов OpenExposureR == сумма RiskR открытых позиций
//     (между решением и филлом в счётчике живёт резерв входа).
type State struct {
	SafeMode         bool
	OpenExposureR    float64
	MaxOpenExposureR float64
	ExitAfterCandles int64

	positions map[string]*models.Position
}

func newState(maxOpenExposureR float64, exitAfterCandles int64) *State {
	return &State{
		MaxOpenExposureR: maxOpenExposureR,
		ExitAfterCandles: exitAfterCandles,
		positions:        make(map[string]*models.Position),
	}
}

// livePosition возвращает позицию инструмента, если она OPEN или EXIT_PENDING.
func (s *State) livePosition(instrument string) (*models.Position, bool) {
	p, ok := s.positions[instrument]
	if !ok {
		return nil, false
	}
	if p.Status != models.PositionOpen && p.Status != models.PositionExitPending {
		return nil, false
	}
	return p, true
}

func (s *State) OpenPositionsCount() int {
	return len(s.positions)
}

// PositionsSnapshot отдаёт копии — чужой код не должен мутировать позиции.
func (s *State) PositionsSnapshot() map[string]models.Position {
	out := make(map[string]models.Position, len(s.positions))
	for k, p := range s.positions {
		out[k] = *p
	}
	return out
}
