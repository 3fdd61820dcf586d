package runner

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/fx"

	"paper_trader/internal/bus"
	"paper_trader/internal/engine"
	"paper_trader/internal/execution"
	"paper_trader/internal/gate"
	"paper_trader/internal/marketstream"
	"paper_trader/internal/modules/config"
	"paper_trader/internal/modules/health"
	"paper_trader/internal/modules/health/service"
	"paper_trader/internal/notify"
	"paper_trader/internal/risk"
	"paper_trader/internal/storage"
	"paper_trader/internal/strategy"
	"paper_trader/pkg/db"
	"paper_trader/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			bus.New,
			func(cfg *config.Config, b *bus.EventBus) *marketstream.Stream {
				return marketstream.New(cfg.Universe, cfg.Timeframe, cfg.DataDir, b)
			},
			func(cfg *config.Config) *risk.Engine {
				return risk.NewEngine(cfg.RiskFraction, cfg.MaxDailyLossR)
			},
			func(cfg *config.Config) *gate.Adapter {
				return gate.NewAdapter(cfg.GatePath, cfg.RegimePath, cfg.RequiredRegime)
			},
			func() strategy.Engine { return strategy.NewBreakout() },
			func() logger.Events { return logger.NewEvents(logger.InfoLogger) },
			func(cfg *config.Config, strat strategy.Engine, riskEng *risk.Engine,
				ga *gate.Adapter, store storage.Store, log logger.Events) *engine.Engine {
				return engine.New(strat, riskEng, ga, store, log, engine.Config{
					Equity:           cfg.Equity,
					MaxOpenExposureR: cfg.MaxOpenExposureR,
					ExitAfterCandles: cfg.ExitAfterCandles,
					Setup:            cfg.Setup,
				})
			},
			func(cfg *config.Config, store storage.Store) *execution.Paper {
				return execution.NewPaper(store, execution.Config{
					FeeBps:             cfg.FeeBps,
					CalibrationPath:    cfg.CalibrationPath,
					SlippagePercentile: cfg.SlippagePercentile,
				})
			},
			func(cfg *config.Config) notify.Notifier {
				if cfg.Telegram.Token == "" {
					return notify.NewStdout()
				}
				t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
				if err != nil {
					logger.Error("telegram notifier unavailable, falling back to stdout: %v", err)
					return notify.NewStdout()
				}
				return t
			},
			func(cfg *config.Config, e *engine.Engine, riskEng *risk.Engine,
				stream *marketstream.Stream, b *bus.EventBus, paper *execution.Paper,
				store storage.Store, notifier notify.Notifier,
				hstate *service.State, prom *health.Metrics, log logger.Events) *Runner {
				return New(cfg, e, riskEng, stream, b, paper, store, notifier,
					hstate, prom, log, uuid.NewString())
			},
		),
		fx.Invoke(Register),
	)
}

// Register вешает раннер на fx-лайфцикл. До старта цикла берётся
// advisory lock в Postgres — два рантайма на одной базе недопустимы.
func Register(lc fx.Lifecycle, r *Runner, cfg *config.Config, txm *db.PgTxManager) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ok, err := txm.TryAdvisoryLock(ctx, cfg.AdvisoryLockKey)
			if err != nil {
				return errors.Wrap(err, "advisory lock")
			}
			if !ok {
				return errors.New("another runtime instance holds the advisory lock")
			}

			if err := r.Bootstrap(ctx); err != nil {
				return err
			}

			runCtx, c := context.WithCancel(context.Background())
			cancel = c
			go r.Run(runCtx)

			if cfg.LiveFeedEnabled {
				lf := marketstream.NewLiveFeed(cfg.Universe, cfg.Timeframe, cfg.DataDir)
				go lf.Run(runCtx)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
