package gate

import (
	"os"

	"paper_trader/internal/models"

	"github.com/bytedance/sonic"
)

const (
	ReasonRegimeBlock     = "regime_block"
	ReasonPromotionReject = "promotion_reject"
	ReasonGateMissing     = "gate_missing"

	regimeUnknown  = "UNKNOWN"
	verdictPromote = "PROMOTE"
)

// Adapter — внешний гейт: режим рынка + вердикт промоушена. Оба артефакта
// считает офлайн-пайплайн, рантайм их только читает. Нет файла вердикта —
// gate_missing, вход закрыт.
type Adapter struct {
	gatePath       string
	regimePath     string
	requiredRegime string
}

func NewAdapter(gatePath, regimePath, requiredRegime string) *Adapter {
	return &Adapter{
		gatePath:       gatePath,
		regimePath:     regimePath,
		requiredRegime: requiredRegime,
	}
}

type regimeReport struct {
	Labels []struct {
		Regime string `json:"regime"`
	} `json:"labels"`
}

type gateReport struct {
	PromotionStatus   string `json:"promotion_status"`
	DisableStatus     string `json:"disable_status"`
	RollingExpectancy struct {
		Latest float64 `json:"latest"`
	} `json:"rolling_expectancy"`
}

func (a *Adapter) currentRegime() string {
	data, err := os.ReadFile(a.regimePath)
	if err != nil {
		return regimeUnknown
	}
	var rep regimeReport
	if err := sonic.Unmarshal(data, &rep); err != nil {
		return regimeUnknown
	}
	if len(rep.Labels) == 0 {
		return regimeUnknown
	}
	return rep.Labels[len(rep.Labels)-1].Regime
}

// Allow пускает сигнал только при требуемом режиме и вердикте PROMOTE.
func (a *Adapter) Allow(sig *models.Signal) (bool, string, map[string]any) {
	regime := a.currentRegime()
	if regime != a.requiredRegime {
		return false, ReasonRegimeBlock, map[string]any{
			"regime":          regime,
			"required_regime": a.requiredRegime,
		}
	}

	data, err := os.ReadFile(a.gatePath)
	if err != nil {
		return false, ReasonGateMissing, map[string]any{"regime": regime}
	}
	var rep gateReport
	if err := sonic.Unmarshal(data, &rep); err != nil {
		return false, ReasonGateMissing, map[string]any{"regime": regime}
	}

	if rep.PromotionStatus != verdictPromote {
		return false, ReasonPromotionReject, map[string]any{
			"promotion_status":   rep.PromotionStatus,
			"disable_status":     rep.DisableStatus,
			"rolling_expectancy": rep.RollingExpectancy.Latest,
		}
	}

	return true, "", map[string]any{
		"promotion_status":   rep.PromotionStatus,
		"disable_status":     rep.DisableStatus,
		"rolling_expectancy": rep.RollingExpectancy.Latest,
		"regime":             regime,
	}
}
