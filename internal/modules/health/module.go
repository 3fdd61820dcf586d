package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"paper_trader/internal/modules/config"
	"paper_trader/internal/modules/health/service"
)

// Metrics — прометеевские счётчики цикла. Регистрируются на собственном
// registry, чтобы не тащить дефолтные go_* коллекторы в тестах.
type Metrics struct {
	registry *prometheus.Registry

	Signals       *prometheus.CounterVec
	Orders        prometheus.Counter
	Fills         prometheus.Counter
	Breakers      *prometheus.CounterVec
	SafeMode      prometheus.Gauge
	QueueDepth    prometheus.Gauge
	OpenExposureR prometheus.Gauge
	PollSeconds   prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Signals by decision (taken/vetoed/pending).",
		}, []string{"decision"}),
		Orders: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Paper orders placed.",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trader_fills_total",
			Help: "Simulated fills.",
		}),
		Breakers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_circuit_breaker_total",
			Help: "Circuit breaker trips by trigger.",
		}, []string{"trigger"}),
		SafeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_safe_mode",
			Help: "1 while safe mode is active.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_event_queue_depth",
			Help: "Undrained candle events in the bus.",
		}),
		OpenExposureR: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_open_exposure_r",
			Help: "Sum of open position risk in R.",
		}),
		PollSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_poll_duration_seconds",
			Help:    "Wall time of one poll+drain cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Signals, m.Orders, m.Fills, m.Breakers,
		m.SafeMode, m.QueueDepth, m.OpenExposureR, m.PollSeconds)
	return m
}

func NewMux(state *service.State, metrics *Metrics) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		// liveness: процесс жив
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// readiness: бутстрап прошёл, цикл крутится
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		// полезный JSON для отладки
		resp := map[string]any{
			"ready":       state.Ready(),
			"safeMode":    state.SafeMode(),
			"wsConnected": state.WSConnected(),
			"uptimeSec":   int64(state.Uptime().Seconds()),
			"lastPollUnix": func() int64 {
				t := state.LastPoll()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return mux
}

func RunHTTP(lc fx.Lifecycle, cfg *config.Config, mux *http.ServeMux) {
	addr := fmt.Sprintf(":%d", cfg.Service.AdminPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			NewMetrics,
			NewMux,
		),
		fx.Invoke(RunHTTP),
	)
}
