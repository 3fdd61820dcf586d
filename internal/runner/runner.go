package runner

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"paper_trader/internal/breakers"
	"paper_trader/internal/bus"
	"paper_trader/internal/engine"
	"paper_trader/internal/execution"
	"paper_trader/internal/lifecycle"
	"paper_trader/internal/marketstream"
	"paper_trader/internal/models"
	"paper_trader/internal/modules/config"
	"paper_trader/internal/modules/health"
	"paper_trader/internal/modules/health/service"
	"paper_trader/internal/notify"
	"paper_trader/internal/risk"
	"paper_trader/internal/storage"
	"paper_trader/pkg/logger"
)

const (
	decisionTaken  = "taken"
	decisionVetoed = "vetoed"

	rejectWindow = 10 * time.Minute
)

// Runner крутит цикл poll -> breakers -> drain -> reconcile -> артефакты.
// Любая ошибка цикла переводит рантайм в safe mode и НЕ останавливает
// процесс: следующий тик пробует снова, выходы при этом продолжают
// обрабатываться движком.
type Runner struct {
	cfg      *config.Config
	engine   *engine.Engine
	risk     *risk.Engine
	stream   *marketstream.Stream
	bus      *bus.EventBus
	paper    *execution.Paper
	store    storage.Store
	notifier notify.Notifier
	hstate   *service.State
	prom     *health.Metrics
	log      logger.Events

	instanceID string
	counters   RuntimeMetrics

	lastEventAt     time.Time
	lastReconcile   time.Time
	lastResourceLog time.Time
	mismatchPolls   int

	rejectCount       int
	rejectWindowStart time.Time
}

func New(
	cfg *config.Config,
	e *engine.Engine,
	riskEng *risk.Engine,
	stream *marketstream.Stream,
	b *bus.EventBus,
	paper *execution.Paper,
	store storage.Store,
	notifier notify.Notifier,
	hstate *service.State,
	prom *health.Metrics,
	log logger.Events,
	instanceID string,
) *Runner {
	return &Runner{
		cfg:        cfg,
		engine:     e,
		risk:       riskEng,
		stream:     stream,
		bus:        b,
		paper:      paper,
		store:      store,
		notifier:   notifier,
		hstate:     hstate,
		prom:       prom,
		log:        log,
		instanceID: instanceID,
	}
}

// Bootstrap восстанавливает позиции из базы и safe mode / дневной R из
// файла состояния. База авторитетна для позиций, файл — только для
// флагов, которых в базе нет.
func (r *Runner) Bootstrap(ctx context.Context) error {
	res, err := lifecycle.Bootstrap(ctx, r.engine, r.store)
	if err != nil {
		return errors.Wrap(err, "bootstrap positions")
	}
	r.log.Log("INFO", "BOOTSTRAP",
		zap.String("instance", r.instanceID),
		zap.Int("open_positions", res.OpenPositions),
		zap.Float64("open_exposure_r", res.OpenExposureR),
	)

	st, err := LoadState(r.cfg.StatePath)
	if err != nil {
		r.log.Log("WARNING", "STATE_FILE_UNREADABLE", zap.Error(err))
		return nil
	}
	if st == nil {
		return nil
	}

	if st.SafeMode {
		r.engine.SetSafeMode(true)
		r.hstate.SetSafeMode(true)
		r.log.Log("WARNING", "SAFE_MODE_RESTORED", zap.String("from", r.cfg.StatePath))
	}
	// дневной счётчик переносится только внутри того же UTC-дня
	if st.Day == time.Now().UTC().Format("2006-01-02") {
		r.risk.SetRealizedRDay(st.RealizedRDay, time.Now())
	}
	return nil
}

// Run — бесконечный цикл до отмены контекста. Первый цикл сразу,
// дальше по тикеру.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.hstate.SetReady(true)
	for {
		if err := r.Cycle(ctx); err != nil {
			r.fail(ctx, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Cycle — один проход. Ошибка означает, что цикл не добежал до конца;
// обработанные до неё события уже запершены идемпотентно.
func (r *Runner) Cycle(ctx context.Context) error {
	span := opentracing.GlobalTracer().StartSpan("poll_cycle")
	defer span.Finish()
	t0 := time.Now()

	pollSpan := opentracing.GlobalTracer().StartSpan("poll", opentracing.ChildOf(span.Context()))
	produced, err := r.stream.Poll()
	pollSpan.Finish()
	if err != nil {
		return errors.Wrap(err, "poll feeds")
	}
	r.counters.PollsTotal++
	r.counters.LastPollEvents = produced
	if produced > 0 {
		r.lastEventAt = time.Now()
	}
	r.hstate.TouchPoll(time.Now())
	span.SetTag("events", produced)

	r.tripBreakers(ctx)

	drainSpan := opentracing.GlobalTracer().StartSpan("drain", opentracing.ChildOf(span.Context()))
	for ev := r.bus.Next(); ev != nil; ev = r.bus.Next() {
		if err := r.handleEvent(ctx, *ev); err != nil {
			drainSpan.Finish()
			return err
		}
	}
	drainSpan.Finish()

	if r.cfg.ReconcileInterval > 0 && time.Since(r.lastReconcile) >= r.cfg.ReconcileInterval {
		recSpan := opentracing.GlobalTracer().StartSpan("reconcile", opentracing.ChildOf(span.Context()))
		r.reconcile(ctx)
		recSpan.Finish()
	}

	r.maybeLogResources()
	r.publishGauges()
	r.persistArtifacts()
	r.prom.PollSeconds.Observe(time.Since(t0).Seconds())
	return nil
}

func (r *Runner) handleEvent(ctx context.Context, ev models.CandleEvent) error {
	d := r.engine.ProcessEvent(ctx, ev)
	r.counters.EventsProcessed++

	if d.Signal != nil {
		decision := decisionTaken
		if d.VetoReason != "" {
			decision = decisionVetoed
			r.counters.SignalsVetoed++
		} else {
			r.counters.SignalsTaken++
		}
		r.prom.Signals.WithLabelValues(decision).Inc()

		if err := r.store.InsertSignal(ctx, d.Signal.SignalID, d.Signal.Timestamp,
			d.Signal.Instrument, d.Signal.Setup, decision, d.VetoReason); err != nil {
			r.noteReject()
			r.log.Log("ERROR", "SIGNAL_INSERT_FAILED", zap.Error(err))
		}
	}

	// движок кладёт exit-intent раньше entry-intent, порядок сохраняем
	for _, intent := range d.Intents {
		if err := r.execute(ctx, intent, ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, intent models.OrderIntent, ev models.CandleEvent) error {
	_, fill, err := r.paper.PlaceOrder(ctx, intent)
	if err != nil {
		// откат резерва: вход возвращает экспозицию, выход — статус OPEN,
		// чтобы следующая подходящая свеча снова эмитила exit-intent
		switch intent.IntentType {
		case models.IntentEntry:
			r.engine.ReleaseEntry(intent)
		case models.IntentExit:
			r.engine.ReleaseExit(intent)
		}
		if errors.Is(err, execution.ErrIntentContract) {
			// байпас конвейера — это баг, а не сбой среды
			return err
		}
		r.noteReject()
		r.log.Log("ERROR", "ORDER_FAILED",
			zap.String("intent", intent.IntentID),
			zap.Error(err),
		)
		return nil
	}

	r.counters.Orders++
	r.counters.Fills++
	r.prom.Orders.Inc()
	r.prom.Fills.Inc()

	switch intent.IntentType {
	case models.IntentEntry:
		pos := r.engine.OnEntryFilled(intent, ev.SequenceID, fill.FillPx)
		if err := r.store.UpsertTradeOpen(ctx, pos); err != nil {
			// филл записан, трейд нет: расхождение поймает сверка
			r.noteReject()
			r.log.Log("ERROR", "TRADE_OPEN_FAILED",
				zap.String("position", pos.PositionID),
				zap.Error(err),
			)
		}
	case models.IntentExit:
		closed, err := r.engine.OnExitFilled(intent, fill.FillPx, ev.Timestamp, intent.ExitReason)
		if err != nil {
			r.log.Log("ERROR", "EXIT_WITHOUT_POSITION",
				zap.String("intent", intent.IntentID),
				zap.Error(err),
			)
			return nil
		}
		realizedR, realizedPnL := realized(closed, fill.FillPx)
		if err := r.store.UpsertTradeClose(ctx, closed, realizedR, realizedPnL); err != nil {
			r.noteReject()
			r.log.Log("ERROR", "TRADE_CLOSE_FAILED",
				zap.String("position", closed.PositionID),
				zap.Error(err),
			)
		}
		r.risk.OnRealized(realizedR, ev.Timestamp)
	}
	return nil
}

// realized: R считается от стопового расстояния входа, PnL — от qty.
func realized(pos *models.Position, exitPx float64) (realizedR, realizedPnL float64) {
	dir := 1.0
	if pos.Side == models.SideSell {
		dir = -1.0
	}
	realizedPnL = dir * (exitPx - pos.EntryPrice) * pos.Qty

	denom := math.Abs(pos.EntryPrice - pos.StopPrice)
	if denom < 1e-9 {
		return 0, realizedPnL
	}
	return dir * (exitPx - pos.EntryPrice) / denom, realizedPnL
}

// tripBreakers оценивает правила и применяет их советы. Записи и алерты
// шлются только на переходе в safe mode, не каждый цикл.
func (r *Runner) tripBreakers(ctx context.Context) {
	snap := breakers.Snapshot{
		StaleSeconds:      r.staleSeconds(),
		LatencyP95MS:      r.stream.Metrics().FeedLatencyMS,
		RejectCount10M:    r.currentRejects(),
		FillMismatchPolls: r.mismatchPolls,
		RealizedRDay:      r.risk.RealizedRDay(),
	}
	trips := breakers.Evaluate(snap, breakers.Config{
		DataStaleSeconds:  r.cfg.BreakerDataStaleSeconds,
		LatencyP95MS:      r.cfg.BreakerLatencyP95MS,
		SpreadMultiplier:  r.cfg.BreakerSpreadMultiplier,
		RejectCount10M:    r.cfg.BreakerRejectCount10M,
		FillMismatchPolls: r.cfg.BreakerFillMismatchPolls,
		DailyLossRFloor:   r.cfg.MaxDailyLossR,
	})
	if len(trips) == 0 {
		return
	}
	alreadySafe := r.engine.SafeMode()
	for _, t := range trips {
		if alreadySafe {
			continue
		}
		r.counters.BreakerTrips++
		r.prom.Breakers.WithLabelValues(t.Trigger).Inc()
		if err := r.store.InsertCB(ctx, t.Trigger, t.Threshold, t.Action, map[string]any{
			"instance_id": r.instanceID,
		}); err != nil {
			r.log.Log("ERROR", "CB_INSERT_FAILED", zap.Error(err))
		}
		r.notifier.Sendf("trader: circuit breaker %s (%s) -> %s", t.Trigger, t.Threshold, t.Action)
		r.log.Log("WARNING", "CIRCUIT_BREAKER",
			zap.String("trigger", t.Trigger),
			zap.String("threshold", t.Threshold),
			zap.String("action", t.Action),
		)
	}
	r.engine.SetSafeMode(true)
	r.hstate.SetSafeMode(true)
}

// staleSeconds меряет свежесть только на живом фиде: у CSV-реплея нет
// контракта на wall-clock свежесть.
func (r *Runner) staleSeconds() float64 {
	if !r.cfg.LiveFeedEnabled || r.lastEventAt.IsZero() {
		return 0
	}
	return time.Since(r.lastEventAt).Seconds()
}

func (r *Runner) noteReject() {
	now := time.Now()
	if r.rejectWindowStart.IsZero() || now.Sub(r.rejectWindowStart) > rejectWindow {
		r.rejectWindowStart = now
		r.rejectCount = 0
	}
	r.rejectCount++
}

func (r *Runner) currentRejects() int {
	if r.rejectWindowStart.IsZero() || time.Since(r.rejectWindowStart) > rejectWindow {
		return 0
	}
	return r.rejectCount
}

// reconcile: любое расхождение с базой немедленно включает safe mode и
// пишет circuit-breaker событие — не дожидаясь порога в снапшоте.
func (r *Runner) reconcile(ctx context.Context) {
	r.lastReconcile = time.Now()

	rep, err := lifecycle.RunCheck(ctx, r.store,
		r.engine.State().OpenPositionsCount(), r.engine.OpenExposureR())
	if err != nil {
		r.log.Log("ERROR", "RECONCILE_FAILED", zap.Error(err))
		return
	}
	if !rep.Mismatch {
		r.mismatchPolls = 0
		return
	}
	r.mismatchPolls++

	wasSafe := r.engine.SafeMode()
	r.engine.SetSafeMode(true)
	r.hstate.SetSafeMode(true)
	if !wasSafe {
		r.counters.BreakerTrips++
		r.prom.Breakers.WithLabelValues(breakers.TriggerFillMismatch).Inc()
	}
	if err := r.store.InsertCB(ctx, breakers.TriggerFillMismatch, "reconcile mismatch",
		breakers.ActionSafeReconcileOptFlatten, map[string]any{
			"instance_id":      r.instanceID,
			"reason":           rep.Reason,
			"local_positions":  rep.LocalPositions,
			"db_positions":     rep.DBPositions,
			"local_exposure_r": rep.LocalExposureR,
			"db_exposure_r":    rep.DBExposureR,
		}); err != nil {
		r.log.Log("ERROR", "CB_INSERT_FAILED", zap.Error(err))
	}

	r.notifier.Sendf("trader: reconcile mismatch %s (local=%d db=%d), safe mode on",
		rep.Reason, rep.LocalPositions, rep.DBPositions)
	r.log.Log("WARNING", "RECONCILE_MISMATCH",
		zap.String("reason", rep.Reason),
		zap.Int("local_positions", rep.LocalPositions),
		zap.Int("db_positions", rep.DBPositions),
		zap.Int("mismatch_polls", r.mismatchPolls),
	)
}

func (r *Runner) maybeLogResources() {
	if r.cfg.ResourceLogEvery <= 0 || time.Since(r.lastResourceLog) < r.cfg.ResourceLogEvery {
		return
	}
	r.lastResourceLog = time.Now()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := int(ms.HeapAlloc / (1 << 20))
	level := "INFO"
	if r.cfg.ResourceWarnMB > 0 && heapMB > r.cfg.ResourceWarnMB {
		level = "WARNING"
	}
	r.log.Log(level, "RESOURCES",
		zap.Int("heap_mb", heapMB),
		zap.Int("goroutines", runtime.NumGoroutine()),
	)
}

func (r *Runner) publishGauges() {
	safe := 0.0
	if r.engine.SafeMode() {
		safe = 1.0
	}
	r.prom.SafeMode.Set(safe)
	r.prom.QueueDepth.Set(float64(r.bus.Depth()))
	r.prom.OpenExposureR.Set(r.engine.OpenExposureR())

	m := r.stream.Metrics()
	r.counters.FeedLatencyMS = m.FeedLatencyMS
	r.counters.QueueDepth = m.EventQueueDepth
}

func (r *Runner) persistArtifacts() {
	posR := make(map[string]float64)
	for inst, p := range r.engine.State().PositionsSnapshot() {
		posR[inst] = p.RiskR
	}
	st := RuntimeState{
		InstanceID:    r.instanceID,
		SafeMode:      r.engine.SafeMode(),
		RealizedRDay:  r.risk.RealizedRDay(),
		Day:           time.Now().UTC().Format("2006-01-02"),
		OpenPositions: r.engine.State().OpenPositionsCount(),
		OpenExposureR: r.engine.OpenExposureR(),
		Positions:     posR,
	}
	if err := SaveState(r.cfg.StatePath, st); err != nil {
		r.log.Log("ERROR", "STATE_WRITE_FAILED", zap.Error(err))
	}
	if err := SaveMetrics(r.cfg.MetricsPath, r.counters); err != nil {
		r.log.Log("ERROR", "METRICS_WRITE_FAILED", zap.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, err error) {
	r.engine.SetSafeMode(true)
	r.hstate.SetSafeMode(true)
	r.counters.BreakerTrips++
	r.prom.Breakers.WithLabelValues(breakers.TriggerRuntimeError).Inc()

	if dbErr := r.store.InsertCB(ctx, breakers.TriggerRuntimeError, "exception",
		breakers.ActionSafeAndAlert, map[string]any{
			"instance_id": r.instanceID,
			"error":       err.Error(),
		}); dbErr != nil {
		r.log.Log("ERROR", "CB_INSERT_FAILED", zap.Error(dbErr))
	}
	r.notifier.Sendf("trader: safe mode after runtime error: %v", err)
	r.log.Log("ERROR", "CYCLE_FAILED", zap.Error(err))
	r.persistArtifacts()
}
