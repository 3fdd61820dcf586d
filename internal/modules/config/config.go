package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"paper_trader/pkg/logger"
)

const (
	configFilePathENV = "CONFIG_FILE"
	envPrefix         = "PAPER"
)

// Config — все ручки рантайма. Приоритет: yaml-файл > env (PAPER_*) > дефолт.
type Config struct {
	DB string `yaml:"db_dsn"`

	Telegram struct {
		Token  string `yaml:"token"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Service struct {
		AdminPort int `yaml:"admin_port"`
	} `yaml:"service"`

	Jaeger struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"jaeger"`

	// Вселенная и фид
	Universe        []string `yaml:"universe"`
	Timeframe       string   `yaml:"timeframe"`
	DataDir         string   `yaml:"data_dir"`
	LiveFeedEnabled bool     `yaml:"live_feed_enabled"`

	// Артефакты офлайн-пайплайна
	GatePath        string `yaml:"gate_path"`
	RegimePath      string `yaml:"regime_path"`
	CalibrationPath string `yaml:"calibration_path"`
	StatePath       string `yaml:"state_path"`
	MetricsPath     string `yaml:"metrics_path"`

	// Риск и допуск
	Equity             float64 `yaml:"equity"`
	RiskFraction       float64 `yaml:"risk_fraction"`
	MaxDailyLossR      float64 `yaml:"max_daily_loss_r"`
	MaxOpenExposureR   float64 `yaml:"max_open_exposure_r"`
	ExitAfterCandles   int64   `yaml:"exit_after_candles"`
	RequiredRegime     string  `yaml:"required_regime"`
	FeeBps             float64 `yaml:"fee_bps"`
	SlippagePercentile string  `yaml:"slippage_percentile"`
	Setup              string  `yaml:"setup"`

	// Пороги circuit breaker'ов
	BreakerDataStaleSeconds  float64 `yaml:"breaker_data_stale_seconds"`
	BreakerLatencyP95MS      float64 `yaml:"breaker_latency_p95_ms"`
	BreakerSpreadMultiplier  float64 `yaml:"breaker_spread_multiplier"`
	BreakerRejectCount10M    int     `yaml:"breaker_reject_count_10m"`
	BreakerFillMismatchPolls int     `yaml:"breaker_fill_mismatch_polls"`

	// Цикл
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ResourceLogEvery  time.Duration `yaml:"resource_log_every"`
	ResourceWarnMB    int           `yaml:"resource_warn_mb"`

	AdvisoryLockKey int64 `yaml:"advisory_lock_key"`
}

func NewConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_dsn", "")
	v.SetDefault("telegram_token", "")
	v.SetDefault("telegram_chat_id", 0)
	v.SetDefault("admin_port", 8080)
	v.SetDefault("jaeger_host", "localhost")
	v.SetDefault("jaeger_port", 6831)
	v.SetDefault("universe", "BTCUSD,ETHUSD,SOLUSD")
	v.SetDefault("timeframe", "5m")
	v.SetDefault("data_dir", "data/raw/crypto")
	v.SetDefault("live_feed_enabled", false)
	v.SetDefault("gate_path", "data/reports/runtime_gate_latest.json")
	v.SetDefault("regime_path", "data/reports/regime_labels_btc_latest.json")
	v.SetDefault("calibration_path", "data/reports/calibration_report_latest.json")
	v.SetDefault("state_path", "data/reports/runtime_state_latest.json")
	v.SetDefault("metrics_path", "data/reports/runtime_metrics_latest.json")
	v.SetDefault("equity", 1000.0)
	v.SetDefault("risk_fraction", 0.005)
	v.SetDefault("max_daily_loss_r", -3.0)
	v.SetDefault("max_open_exposure_r", 2.0)
	v.SetDefault("exit_after_candles", 12)
	v.SetDefault("required_regime", "TREND_NORMAL")
	v.SetDefault("fee_bps", 1.0)
	v.SetDefault("slippage_percentile", "p75")
	v.SetDefault("setup", "breakout_v2")
	v.SetDefault("breaker_data_stale_seconds", 3.0)
	v.SetDefault("breaker_latency_p95_ms", 1000.0)
	v.SetDefault("breaker_spread_multiplier", 2.0)
	v.SetDefault("breaker_reject_count_10m", 5)
	v.SetDefault("breaker_fill_mismatch_polls", 2)
	v.SetDefault("poll_interval", "300s")
	v.SetDefault("reconcile_interval", "30m")
	v.SetDefault("resource_log_every", "60s")
	v.SetDefault("resource_warn_mb", 500)
	v.SetDefault("advisory_lock_key", 774177)

	config := Config{
		DB:                       v.GetString("database_dsn"),
		Universe:                 splitCSV(v.GetString("universe")),
		Timeframe:                v.GetString("timeframe"),
		DataDir:                  v.GetString("data_dir"),
		LiveFeedEnabled:          v.GetBool("live_feed_enabled"),
		GatePath:                 v.GetString("gate_path"),
		RegimePath:               v.GetString("regime_path"),
		CalibrationPath:          v.GetString("calibration_path"),
		StatePath:                v.GetString("state_path"),
		MetricsPath:              v.GetString("metrics_path"),
		Equity:                   v.GetFloat64("equity"),
		RiskFraction:             v.GetFloat64("risk_fraction"),
		MaxDailyLossR:            v.GetFloat64("max_daily_loss_r"),
		MaxOpenExposureR:         v.GetFloat64("max_open_exposure_r"),
		ExitAfterCandles:         v.GetInt64("exit_after_candles"),
		RequiredRegime:           v.GetString("required_regime"),
		FeeBps:                   v.GetFloat64("fee_bps"),
		SlippagePercentile:       v.GetString("slippage_percentile"),
		Setup:                    v.GetString("setup"),
		BreakerDataStaleSeconds:  v.GetFloat64("breaker_data_stale_seconds"),
		BreakerLatencyP95MS:      v.GetFloat64("breaker_latency_p95_ms"),
		BreakerSpreadMultiplier:  v.GetFloat64("breaker_spread_multiplier"),
		BreakerRejectCount10M:    v.GetInt("breaker_reject_count_10m"),
		BreakerFillMismatchPolls: v.GetInt("breaker_fill_mismatch_polls"),
		PollInterval:             v.GetDuration("poll_interval"),
		ReconcileInterval:        v.GetDuration("reconcile_interval"),
		ResourceLogEvery:         v.GetDuration("resource_log_every"),
		ResourceWarnMB:           v.GetInt("resource_warn_mb"),
		AdvisoryLockKey:          v.GetInt64("advisory_lock_key"),
	}
	config.Telegram.Token = v.GetString("telegram_token")
	config.Telegram.ChatID = v.GetInt64("telegram_chat_id")
	config.Service.AdminPort = v.GetInt("admin_port")
	config.Jaeger.Host = v.GetString("jaeger_host")
	config.Jaeger.Port = v.GetInt("jaeger_port")

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		// файла может не быть — тогда едем на env/дефолтах
		logger.Info("config file configs/%s not found, using env/defaults", configFileName)
		return &config, nil
	}
	defer func() {
		_ = file.Close()
	}()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
