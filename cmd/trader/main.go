package main

import (
	"context"
	"log"

	"paper_trader/internal/modules/config"
	"paper_trader/internal/modules/health"
	"paper_trader/internal/modules/postgres"
	"paper_trader/internal/runner"
	"paper_trader/pkg/logger"
	"paper_trader/pkg/tracing"

	"go.uber.org/fx"
)

const serviceName = "paper-trader"

func main() {
	logger.SetServiceName(serviceName)
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}
	tracing.SetServiceName(serviceName)

	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		postgres.Module(),
		health.Module(),
		runner.Module(),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config) {
			if cfg.Jaeger.Host == "" {
				return
			}
			_, closeTracer, err := tracing.InitTracer(tracing.Config{
				Host: cfg.Jaeger.Host,
				Port: cfg.Jaeger.Port,
			})
			if err != nil {
				logger.Error("jaeger tracer unavailable: %v", err)
				return
			}
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					closeTracer()
					return nil
				},
			})
		}),
	)
	app.Run()
}
