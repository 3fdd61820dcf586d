package breakers

import "fmt"

// Действия, которые эвалуатор советует раннеру. Сам он ничего не применяет.
const (
	ActionSafeBlockNewEntries      = "SAFE_BLOCK_NEW_ENTRIES"
	ActionSafeAndAlert             = "SAFE_AND_ALERT"
	ActionVetoEntriesCancelResting = "VETO_ENTRIES_CANCEL_RESTING"
	ActionSafeStopSending          = "SAFE_STOP_SENDING"
	ActionSafeReconcileOptFlatten  = "SAFE_RECONCILE_OPTIONAL_FLATTEN"
	ActionStopUntilNextUTCDay      = "STOP_UNTIL_NEXT_UTC_DAY"
)

const (
	TriggerDataStale    = "data_stale"
	TriggerLatencySpike = "latency_spike"
	TriggerSpreadShock  = "spread_shock"
	TriggerRejectStreak = "reject_streak"
	TriggerFillMismatch = "fill_mismatch"
	TriggerDailyLossCap = "daily_loss_cap"
	TriggerRuntimeError = "runtime_error"
)

// Snapshot — срез здоровья рантайма на момент оценки.
type Snapshot struct {
	StaleSeconds         float64
	LatencyP95MS         float64
	SpreadBps            float64
	DailyMedianSpreadBps float64
	SpreadShockMinutes   int
	RejectCount10M       int
	FillMismatchPolls    int
	RealizedRDay         float64
}

// Config — пороги правил; нули заменяются дефолтами.
type Config struct {
	DataStaleSeconds  float64
	LatencyP95MS      float64
	SpreadMultiplier  float64
	SpreadShockMin    int
	RejectCount10M    int
	FillMismatchPolls int
	DailyLossRFloor   float64
}

func DefaultConfig() Config {
	return Config{
		DataStaleSeconds:  3,
		LatencyP95MS:      1000,
		SpreadMultiplier:  2,
		SpreadShockMin:    3,
		RejectCount10M:    5,
		FillMismatchPolls: 2,
		DailyLossRFloor:   -3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DataStaleSeconds == 0 {
		c.DataStaleSeconds = d.DataStaleSeconds
	}
	if c.LatencyP95MS == 0 {
		c.LatencyP95MS = d.LatencyP95MS
	}
	if c.SpreadMultiplier == 0 {
		c.SpreadMultiplier = d.SpreadMultiplier
	}
	if c.SpreadShockMin == 0 {
		c.SpreadShockMin = d.SpreadShockMin
	}
	if c.RejectCount10M == 0 {
		c.RejectCount10M = d.RejectCount10M
	}
	if c.FillMismatchPolls == 0 {
		c.FillMismatchPolls = d.FillMismatchPolls
	}
	if c.DailyLossRFloor == 0 {
		c.DailyLossRFloor = d.DailyLossRFloor
	}
	return c
}

// Trigger — одно сработавшее правило с советом, что делать.
type Trigger struct {
	Trigger   string
	Threshold string
	Action    string
}

// Evaluate — чистая функция без состояния и побочных эффектов.
// Несколько правил могут сработать за один вызов.
func Evaluate(snap Snapshot, cfg Config) []Trigger {
	cfg = cfg.withDefaults()
	var events []Trigger

	if snap.StaleSeconds > cfg.DataStaleSeconds {
		events = append(events, Trigger{
			Trigger:   TriggerDataStale,
			Threshold: fmt.Sprintf(">%gs", cfg.DataStaleSeconds),
			Action:    ActionSafeBlockNewEntries,
		})
	}

	if snap.LatencyP95MS > cfg.LatencyP95MS {
		events = append(events, Trigger{
			Trigger:   TriggerLatencySpike,
			Threshold: fmt.Sprintf("p95>%gms(5m)", cfg.LatencyP95MS),
			Action:    ActionSafeAndAlert,
		})
	}

	if snap.DailyMedianSpreadBps > 0 &&
		snap.SpreadBps > cfg.SpreadMultiplier*snap.DailyMedianSpreadBps &&
		snap.SpreadShockMinutes >= cfg.SpreadShockMin {
		events = append(events, Trigger{
			Trigger:   TriggerSpreadShock,
			Threshold: fmt.Sprintf("spread>%gx median for >=%dm", cfg.SpreadMultiplier, cfg.SpreadShockMin),
			Action:    ActionVetoEntriesCancelResting,
		})
	}

	if snap.RejectCount10M >= cfg.RejectCount10M {
		events = append(events, Trigger{
			Trigger:   TriggerRejectStreak,
			Threshold: fmt.Sprintf(">=%d rejects in 10m", cfg.RejectCount10M),
			Action:    ActionSafeStopSending,
		})
	}

	if snap.FillMismatchPolls >= cfg.FillMismatchPolls {
		events = append(events, Trigger{
			Trigger:   TriggerFillMismatch,
			Threshold: fmt.Sprintf("mismatch >=%d polls", cfg.FillMismatchPolls),
			Action:    ActionSafeReconcileOptFlatten,
		})
	}

	if snap.RealizedRDay <= cfg.DailyLossRFloor {
		events = append(events, Trigger{
			Trigger:   TriggerDailyLossCap,
			Threshold: fmt.Sprintf("realized_R_day<=%g", cfg.DailyLossRFloor),
			Action:    ActionStopUntilNextUTCDay,
		})
	}

	return events
}
