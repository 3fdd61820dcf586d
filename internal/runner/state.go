package runner

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
)

// RuntimeState — снапшот рантайма для оператора и для рестарта.
// Позиции сюда не пишутся: их после рестарта восстанавливает база.
// Файл переживает только safe mode и дневной счётчик реализованного R.
type RuntimeState struct {
	InstanceID    string             `json:"instance_id"`
	SafeMode      bool               `json:"safe_mode"`
	RealizedRDay  float64            `json:"realized_r_day"`
	Day           string             `json:"day"`
	OpenPositions int                `json:"open_positions"`
	OpenExposureR float64            `json:"open_exposure_r"`
	Positions     map[string]float64 `json:"positions_risk_r"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func LoadState(path string) (*RuntimeState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st RuntimeState
	if err := sonic.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func SaveState(path string, st RuntimeState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := sonic.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic — tmp + rename, чтобы читатель артефакта никогда не
// увидел полузаписанный JSON.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
