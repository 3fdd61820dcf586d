package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"paper_trader/internal/models"
	"paper_trader/pkg/logger"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Причины вето. Сигнальный уровень, не ошибки.
const (
	VetoSafeModeActive      = "SAFE_MODE_ACTIVE"
	VetoPositionAlreadyOpen = "POSITION_ALREADY_OPEN"
	VetoRiskExposureCap     = "RISK_EXPOSURE_CAP"
)

const (
	ExitReasonTime = "time_exit"

	// каждый принятый вход учитывается в экспозиции как ровно 1.0R,
	// независимо от qty/riskDollars, которые насчитал сайзинг
	entryRiskR = 1.0
)

var ErrUnknownPosition = errors.New("no live position for instrument")

// Strategy, Risk, Gate, GovernanceLog — capability-интерфейсы коллабораторов.
// Движок зависит только от сигнатур, не от реализаций.
type Strategy interface {
	Generate(ev models.CandleEvent) *models.Signal
}

type Risk interface {
	Allow(sig *models.Signal) (bool, string)
	Size(sig *models.Signal, equity float64) (qty, riskDollars float64)
}

type Gate interface {
	Allow(sig *models.Signal) (bool, string, map[string]any)
}

type GovernanceLog interface {
	InsertGovernance(ctx context.Context, kind, instrument, setupType, action, reason string, stats map[string]any) error
}

// Decision — эфемерный результат одного ProcessEvent.
type Decision struct {
	Signal     *models.Signal
	Intents    []models.OrderIntent
	VetoReason string
}

type Config struct {
	Equity           float64
	MaxOpenExposureR float64
	ExitAfterCandles int64
	Setup            string
}

// Engine — центральная машина состояний: одно событие за раз, сначала
// выходы, потом конвейер допуска входа. Весь I/O движка — governance-лог
// и структурный логгер.
type Engine struct {
	strategy Strategy
	risk     Risk
	gate     Gate
	gov      GovernanceLog
	log      logger.Events

	equity float64
	setup  string
	state  *State
}

func New(strategy Strategy, risk Risk, gate Gate, gov GovernanceLog, log logger.Events, cfg Config) *Engine {
	return &Engine{
		strategy: strategy,
		risk:     risk,
		gate:     gate,
		gov:      gov,
		log:      log,
		equity:   cfg.Equity,
		setup:    cfg.Setup,
		state:    newState(cfg.MaxOpenExposureR, cfg.ExitAfterCandles),
	}
}

func (e *Engine) State() *State { return e.state }

func (e *Engine) SetSafeMode(v bool) { e.state.SafeMode = v }
func (e *Engine) SafeMode() bool     { return e.state.SafeMode }

func (e *Engine) OpenExposureR() float64 { return e.state.OpenExposureR }

// ProcessEvent — строгий порядок: exit-due считается всегда (и в safe mode),
// дальше конвейер входа с коротким замыканием на первом вето.
func (e *Engine) ProcessEvent(ctx context.Context, ev models.CandleEvent) Decision {
	var d Decision

	if exit := e.exitIfDue(ctx, ev); exit != nil {
		d.Intents = append(d.Intents, *exit)
	}

	sig := e.strategy.Generate(ev)
	if sig == nil {
		return d
	}
	d.Signal = sig

	if e.state.SafeMode {
		e.veto(ctx, "SAFE_BLOCK_ENTRY", sig, VetoSafeModeActive, map[string]any{"signal_id": sig.SignalID})
		d.VetoReason = VetoSafeModeActive
		return d
	}

	if _, ok := e.state.livePosition(sig.Instrument); ok {
		e.veto(ctx, "POSITION_GUARD", sig, VetoPositionAlreadyOpen, map[string]any{"signal_id": sig.SignalID})
		d.VetoReason = VetoPositionAlreadyOpen
		return d
	}

	allowed, reason, gateMeta := e.gate.Allow(sig)
	if !allowed {
		e.veto(ctx, "GATE_VETO", sig, reason, gateMeta)
		d.VetoReason = reason
		return d
	}

	ok, rReason := e.risk.Allow(sig)
	if !ok {
		e.veto(ctx, "RISK_BLOCK", sig, rReason, gateMeta)
		d.VetoReason = rReason
		return d
	}

	qty, riskDollars := e.risk.Size(sig, e.equity)

	projectedR := e.state.OpenExposureR + entryRiskR
	if projectedR > e.state.MaxOpenExposureR {
		e.veto(ctx, "RISK_EXPOSURE_CAP", sig, VetoRiskExposureCap, map[string]any{
			"open_exposure_r":     e.state.OpenExposureR,
			"attempt_r":           entryRiskR,
			"max_open_exposure_r": e.state.MaxOpenExposureR,
		})
		d.VetoReason = VetoRiskExposureCap
		return d
	}

	intent := models.OrderIntent{
		IntentID:    intentHash(sig.SignalID, ev.Instrument, ev.Timestamp, ev.SequenceID, "intent"),
		SignalID:    sig.SignalID,
		Instrument:  ev.Instrument,
		Side:        sig.Side,
		EntryPx:     sig.EntryPx,
		StopPx:      sig.StopPx,
		Qty:         qty,
		RiskDollars: riskDollars,
		EventTS:     sig.Timestamp,
		IntentType:  models.IntentEntry,
	}

	// резервируем экспозицию на решении; ReleaseEntry вернёт её,
	// если исполнитель не подтвердит филл
	e.state.OpenExposureR = projectedR

	e.governance(ctx, "ENTRY_TAKEN", sig.Instrument, "TAKE", "", map[string]any{
		"signal_id": sig.SignalID,
		"intent_id": intent.IntentID,
	})
	e.log.Log("INFO", "ENTRY_INTENT",
		zap.String("signal", sig.SignalID),
		zap.String("intent", intent.IntentID),
		zap.String("instrument", sig.Instrument),
		zap.Float64("open_exposure_r", e.state.OpenExposureR),
	)

	d.Intents = append(d.Intents, intent)
	return d
}

// exitIfDue переводит OPEN -> EXIT_PENDING, когда позиция отстояла
// exit_after_candles свечей. Пока позиция EXIT_PENDING, повторный
// exit-intent не эмитится.
func (e *Engine) exitIfDue(ctx context.Context, ev models.CandleEvent) *models.OrderIntent {
	pos, ok := e.state.livePosition(ev.Instrument)
	if !ok || pos.Status != models.PositionOpen {
		return nil
	}
	if ev.SequenceID-pos.EntrySequenceID < e.state.ExitAfterCandles {
		return nil
	}

	pos.Status = models.PositionExitPending

	intent := models.OrderIntent{
		IntentID:   intentHash(pos.PositionID, ev.Instrument, ev.Timestamp, ev.SequenceID, "exit"),
		SignalID:   pos.SignalID,
		Instrument: ev.Instrument,
		Side:       oppositeSide(pos.Side),
		EntryPx:    ev.Close,
		StopPx:     pos.StopPrice,
		Qty:        pos.Qty,
		EventTS:    ev.Timestamp,
		IntentType: models.IntentExit,
		PositionID: pos.PositionID,
		ExitReason: ExitReasonTime,
	}

	e.governance(ctx, "EXIT_DUE", ev.Instrument, "EXIT", ExitReasonTime, map[string]any{
		"position_id": pos.PositionID,
		"entry_seq":   pos.EntrySequenceID,
		"event_seq":   ev.SequenceID,
	})
	e.log.Log("INFO", "EXIT_INTENT",
		zap.String("position", pos.PositionID),
		zap.String("intent", intent.IntentID),
		zap.String("instrument", ev.Instrument),
		zap.Int64("event_seq", ev.SequenceID),
	)
	return &intent
}

// OnEntryFilled вызывается только после подтверждения ENTRY-филла
// исполнителем. Экспозиция уже зарезервирована в ProcessEvent, здесь
// резерв привязывается к позиции.
func (e *Engine) OnEntryFilled(intent models.OrderIntent, fillSequenceID int64, fillPx float64) *models.Position {
	pos := &models.Position{
		PositionID:      intent.IntentID,
		SignalID:        intent.SignalID,
		Instrument:      intent.Instrument,
		Side:            intent.Side,
		EntryTS:         intent.EventTS,
		EntrySequenceID: fillSequenceID,
		EntryPrice:      fillPx,
		RiskR:           entryRiskR,
		Qty:             intent.Qty,
		StopPrice:       intent.StopPx,
		Status:          models.PositionOpen,
	}
	e.state.positions[intent.Instrument] = pos
	return pos
}

// ReleaseEntry возвращает зарезервированную экспозицию, если вход
// не дошёл до филла.
func (e *Engine) ReleaseEntry(intent models.OrderIntent) {
	e.state.OpenExposureR -= entryRiskR
	if e.state.OpenExposureR < 0 {
		e.state.OpenExposureR = 0
	}
}

// ReleaseExit возвращает позицию из EXIT_PENDING в OPEN, если исполнитель
// не подтвердил выход: следующая подходящая свеча снова эмитит exit-intent.
func (e *Engine) ReleaseExit(intent models.OrderIntent) {
	pos, ok := e.state.livePosition(intent.Instrument)
	if !ok || pos.Status != models.PositionExitPending {
		return
	}
	pos.Status = models.PositionOpen
}

// OnExitFilled закрывает позицию: экспозиция уменьшается на её RiskR
// (не ниже нуля), запись уходит из live-карты. CLOSED терминален.
func (e *Engine) OnExitFilled(intent models.OrderIntent, fillPx float64, ts time.Time, reason string) (*models.Position, error) {
	pos, ok := e.state.livePosition(intent.Instrument)
	if !ok {
		return nil, errors.Wrap(ErrUnknownPosition, intent.Instrument)
	}

	e.state.OpenExposureR -= pos.RiskR
	if e.state.OpenExposureR < 0 {
		e.state.OpenExposureR = 0
	}

	pos.Status = models.PositionClosed
	pos.ExitTS = ts
	pos.ExitPrice = fillPx
	pos.ExitReason = reason
	closed := *pos
	delete(e.state.positions, intent.Instrument)

	e.log.Log("INFO", "POSITION_CLOSED",
		zap.String("position", closed.PositionID),
		zap.String("instrument", closed.Instrument),
		zap.Float64("exit_px", fillPx),
		zap.Float64("open_exposure_r", e.state.OpenExposureR),
	)
	return &closed, nil
}

// ReplacePositions — только для лайфцикла: состояние целиком подменяется
// тем, что лежит в базе.
func (e *Engine) ReplacePositions(positions map[string]*models.Position, openExposureR float64) {
	if positions == nil {
		positions = make(map[string]*models.Position)
	}
	e.state.positions = positions
	e.state.OpenExposureR = openExposureR
}

func (e *Engine) veto(ctx context.Context, kind string, sig *models.Signal, reason string, stats map[string]any) {
	e.governance(ctx, kind, sig.Instrument, "BLOCK", reason, stats)
	e.log.Log("WARNING", kind,
		zap.String("signal", sig.SignalID),
		zap.String("instrument", sig.Instrument),
		zap.String("reason", reason),
	)
}

func (e *Engine) governance(ctx context.Context, kind, instrument, action, reason string, stats map[string]any) {
	if err := e.gov.InsertGovernance(ctx, kind, instrument, e.setup, action, reason, stats); err != nil {
		e.log.Log("ERROR", "GOVERNANCE_INSERT_FAILED",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func intentHash(parts ...any) string {
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			strs = append(strs, v)
		case time.Time:
			strs = append(strs, v.UTC().Format(time.RFC3339))
		case int64:
			strs = append(strs, strconv.FormatInt(v, 10))
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(strs, "|")))
	return hex.EncodeToString(sum[:])[:32]
}

func oppositeSide(s models.Side) models.Side {
	if s == models.SideBuy {
		return models.SideSell
	}
	return models.SideBuy
}
