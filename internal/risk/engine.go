package risk

import (
	"math"
	"time"

	"paper_trader/internal/models"
)

const ReasonDailyLossCap = "daily_loss_cap"

// minStopDistance защищает Size от деления на ноль при entry == stop.
const minStopDistance = 1e-9

// Engine — дневной стоп-кран плюс детерминированный сайзинг.
// Единственное состояние — накопленный реализованный R за UTC-день.
type Engine struct {
	riskFraction  float64
	maxDailyLossR float64

	realizedRDay float64
	day          string // UTC-день счётчика, "2006-01-02"
}

func NewEngine(riskFraction, maxDailyLossR float64) *Engine {
	return &Engine{
		riskFraction:  riskFraction,
		maxDailyLossR: maxDailyLossR,
	}
}

// Allow fails closed: как только дневной реализованный R достиг пола,
// все новые входы режутся до следующего UTC-дня.
func (e *Engine) Allow(sig *models.Signal) (bool, string) {
	if e.realizedRDay <= e.maxDailyLossR {
		return false, ReasonDailyLossCap
	}
	return true, ""
}

// Size: riskDollars = equity * riskFraction, qty = riskDollars / |entry-stop|.
// Чистая функция от входов.
func (e *Engine) Size(sig *models.Signal, equity float64) (qty, riskDollars float64) {
	riskDollars = equity * e.riskFraction
	d := math.Abs(sig.EntryPx - sig.StopPx)
	if d < minStopDistance {
		d = minStopDistance
	}
	return riskDollars / d, riskDollars
}

// OnRealized добавляет реализованный R закрытого трейда в дневной счётчик.
// Счётчик сбрасывается при смене UTC-дня.
func (e *Engine) OnRealized(r float64, ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	if e.day != day {
		e.day = day
		e.realizedRDay = 0
	}
	e.realizedRDay += r
}

func (e *Engine) RealizedRDay() float64 { return e.realizedRDay }

// SetRealizedRDay используется лайфциклом при восстановлении состояния.
func (e *Engine) SetRealizedRDay(r float64, ts time.Time) {
	e.day = ts.UTC().Format("2006-01-02")
	e.realizedRDay = r
}
