package lifecycle

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

const (
	MismatchTradesExceedFills = "trades_exceed_fills"
	MismatchOpenCountDiverged = "open_count_diverged"
	MismatchExposureDiverged  = "exposure_diverged"

	exposureTolerance = 1e-9
)

// CountSource — кусок storage, нужный сверке.
type CountSource interface {
	Counts(ctx context.Context) (map[string]int64, error)
	OpenTradesCount(ctx context.Context) (int, error)
	OpenExposureR(ctx context.Context) (float64, error)
}

// ReconcileReport — результат одной сверки. Сверка только диагностирует:
// чинить расхождение руками оператора, не кодом.
type ReconcileReport struct {
	Mismatch       bool
	Reason         string
	DBCounts       map[string]int64
	LocalPositions int
	DBPositions    int
	LocalExposureR float64
	DBExposureR    float64
}

// RunCheck сравнивает локальные агрегаты со счётчиками базы.
// Любое расхождение — повод для safe mode на стороне раннера.
func RunCheck(ctx context.Context, src CountSource, localOpenPositions int, localExposureR float64) (ReconcileReport, error) {
	counts, err := src.Counts(ctx)
	if err != nil {
		return ReconcileReport{}, errors.Wrap(err, "db counts")
	}
	dbOpen, err := src.OpenTradesCount(ctx)
	if err != nil {
		return ReconcileReport{}, errors.Wrap(err, "open trades count")
	}
	dbExposure, err := src.OpenExposureR(ctx)
	if err != nil {
		return ReconcileReport{}, errors.Wrap(err, "open exposure")
	}

	rep := ReconcileReport{
		DBCounts:       counts,
		LocalPositions: localOpenPositions,
		DBPositions:    dbOpen,
		LocalExposureR: localExposureR,
		DBExposureR:    dbExposure,
	}

	if counts["trades"] > counts["fills"] {
		rep.Mismatch = true
		rep.Reason = MismatchTradesExceedFills
		return rep, nil
	}
	if dbOpen != localOpenPositions {
		rep.Mismatch = true
		rep.Reason = MismatchOpenCountDiverged
		return rep, nil
	}
	if math.Abs(dbExposure-localExposureR) > exposureTolerance {
		rep.Mismatch = true
		rep.Reason = MismatchExposureDiverged
		return rep, nil
	}
	return rep, nil
}
