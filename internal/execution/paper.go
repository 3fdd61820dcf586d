package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"paper_trader/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// ErrIntentContract — попытка исполнить что-то, что не является корректным
// OrderIntent из конвейера движка. Это ошибка программиста: не ретраится,
// цикл на ней останавливается.
var ErrIntentContract = errors.New("order intent violates execution contract")

const (
	fallbackSlippageBps = 3.0
	statusFilled        = "filled"
)

// OrderStore — идемпотентная персистенция ордеров и филлов.
type OrderStore interface {
	UpsertOrder(ctx context.Context, orderID, signalID, status string, sentAt, ackAt time.Time) error
	UpsertFill(ctx context.Context, fill models.Fill, intent models.OrderIntent) error
}

type Config struct {
	FeeBps             float64
	CalibrationPath    string
	SlippagePercentile string // ключ в calibration report, обычно "p75"
}

// Paper — детерминированная симуляция исполнения. Цена филла сдвигается
// от entry_px на (fee+slippage) bps в невыгодную для тейкера сторону;
// slippage берётся из перцентиля калибровочного отчёта по инструменту.
type Paper struct {
	store OrderStore
	cfg   Config
}

func NewPaper(store OrderStore, cfg Config) *Paper {
	if cfg.SlippagePercentile == "" {
		cfg.SlippagePercentile = "p75"
	}
	return &Paper{store: store, cfg: cfg}
}

// PlaceOrder сначала проверяет контракт, потом считает филл и пишет
// orders/fills идемпотентными upsert'ами — повторная доставка того же
// intent безопасна.
func (p *Paper) PlaceOrder(ctx context.Context, intent models.OrderIntent) (models.OrderResult, models.Fill, error) {
	if err := validateIntent(intent); err != nil {
		return models.OrderResult{}, models.Fill{}, err
	}

	slippageBps := p.slippageBps(intent.Instrument)
	bps := (slippageBps + p.cfg.FeeBps) / 10000.0

	fillPx := intent.EntryPx * (1 + bps)
	if intent.Side == models.SideSell {
		fillPx = intent.EntryPx * (1 - bps)
	}

	orderID := detID("order", intent.IntentID)
	fill := models.Fill{
		FillID:      detID("fill", orderID),
		OrderID:     orderID,
		FillPx:      fillPx,
		FillQty:     intent.Qty,
		SlippageBps: slippageBps,
		TS:          intent.EventTS,
	}

	if err := p.store.UpsertOrder(ctx, orderID, intent.SignalID, statusFilled, intent.EventTS, intent.EventTS); err != nil {
		return models.OrderResult{}, models.Fill{}, errors.Wrap(err, "upsert order")
	}
	if err := p.store.UpsertFill(ctx, fill, intent); err != nil {
		return models.OrderResult{}, models.Fill{}, errors.Wrap(err, "upsert fill")
	}

	return models.OrderResult{OrderID: orderID, Status: statusFilled}, fill, nil
}

// validateIntent — anti-bypass: всё, что могло прийти мимо движка,
// отбрасывается жёстко.
func validateIntent(intent models.OrderIntent) error {
	switch {
	case len(intent.IntentID) != 32:
		return errors.Wrap(ErrIntentContract, "bad intent_id")
	case intent.SignalID == "":
		return errors.Wrap(ErrIntentContract, "empty signal_id")
	case intent.Instrument == "":
		return errors.Wrap(ErrIntentContract, "empty instrument")
	case intent.Side != models.SideBuy && intent.Side != models.SideSell:
		return errors.Wrap(ErrIntentContract, "bad side")
	case intent.IntentType != models.IntentEntry && intent.IntentType != models.IntentExit:
		return errors.Wrap(ErrIntentContract, "bad intent_type")
	case intent.EntryPx <= 0 || intent.Qty <= 0:
		return errors.Wrap(ErrIntentContract, "non-positive px/qty")
	case intent.IntentType == models.IntentExit && intent.PositionID == "":
		return errors.Wrap(ErrIntentContract, "exit without position_id")
	case intent.EventTS.IsZero():
		return errors.Wrap(ErrIntentContract, "zero event_ts")
	}
	return nil
}

type calibrationReport struct {
	InstrumentSummary map[string]map[string]float64 `json:"instrument_summary"`
}

func (p *Paper) slippageBps(instrument string) float64 {
	data, err := os.ReadFile(p.cfg.CalibrationPath)
	if err != nil {
		return fallbackSlippageBps
	}
	var rep calibrationReport
	if err := sonic.Unmarshal(data, &rep); err != nil {
		return fallbackSlippageBps
	}
	summary, ok := rep.InstrumentSummary[instrument]
	if !ok {
		return fallbackSlippageBps
	}
	v, ok := summary[p.cfg.SlippagePercentile]
	if !ok {
		return fallbackSlippageBps
	}
	return v
}

func detID(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "|"
		}
		joined += p
	}
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:32]
}
