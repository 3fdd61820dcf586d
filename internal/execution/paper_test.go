package execution

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper_trader/internal/models"
)

type memStore struct {
	orders map[string]string // order_id -> status
	fills  map[string]models.Fill
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[string]string),
		fills:  make(map[string]models.Fill),
	}
}

func (m *memStore) UpsertOrder(_ context.Context, orderID, _, status string, _, _ time.Time) error {
	m.orders[orderID] = status
	return nil
}

func (m *memStore) UpsertFill(_ context.Context, fill models.Fill, _ models.OrderIntent) error {
	m.fills[fill.FillID] = fill
	return nil
}

func validIntent() models.OrderIntent {
	return models.OrderIntent{
		IntentID:   strings.Repeat("a", 32),
		SignalID:   "sig-1",
		Instrument: "BTCUSD",
		Side:       models.SideBuy,
		EntryPx:    100.0,
		StopPx:     99.0,
		Qty:        5.0,
		EventTS:    time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		IntentType: models.IntentEntry,
	}
}

func TestPlaceOrderContractViolations(t *testing.T) {
	p := NewPaper(newMemStore(), Config{FeeBps: 1.0})
	ctx := context.Background()

	mutations := []struct {
		name string
		mut  func(*models.OrderIntent)
	}{
		{"short intent id", func(i *models.OrderIntent) { i.IntentID = "abc" }},
		{"empty signal id", func(i *models.OrderIntent) { i.SignalID = "" }},
		{"empty instrument", func(i *models.OrderIntent) { i.Instrument = "" }},
		{"bad side", func(i *models.OrderIntent) { i.Side = "hold" }},
		{"bad intent type", func(i *models.OrderIntent) { i.IntentType = "CANCEL" }},
		{"zero price", func(i *models.OrderIntent) { i.EntryPx = 0 }},
		{"negative qty", func(i *models.OrderIntent) { i.Qty = -1 }},
		{"exit without position", func(i *models.OrderIntent) { i.IntentType = models.IntentExit }},
		{"zero event ts", func(i *models.OrderIntent) { i.EventTS = time.Time{} }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			tt.mut(&intent)

			_, _, err := p.PlaceOrder(ctx, intent)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIntentContract))
		})
	}
}

func TestPlaceOrderDeterministicFill(t *testing.T) {
	store := newMemStore()
	p := NewPaper(store, Config{FeeBps: 1.0}) // калибровки нет -> fallback 3bps
	ctx := context.Background()

	res, fill, err := p.PlaceOrder(ctx, validIntent())
	require.NoError(t, err)

	// buy двигается вверх на (3+1)bps от entry
	assert.InDelta(t, 100.0*(1+4.0/10000.0), fill.FillPx, 1e-12)
	assert.Equal(t, 3.0, fill.SlippageBps)
	assert.Equal(t, "filled", res.Status)
	assert.Len(t, res.OrderID, 32)
	assert.Len(t, fill.FillID, 32)

	// повторная доставка того же intent даёт те же id и тот же филл
	res2, fill2, err := p.PlaceOrder(ctx, validIntent())
	require.NoError(t, err)
	assert.Equal(t, res.OrderID, res2.OrderID)
	assert.Equal(t, fill.FillID, fill2.FillID)
	assert.Equal(t, fill.FillPx, fill2.FillPx)
	assert.Len(t, store.orders, 1)
	assert.Len(t, store.fills, 1)
}

func TestPlaceOrderSellShiftsDown(t *testing.T) {
	p := NewPaper(newMemStore(), Config{FeeBps: 1.0})

	intent := validIntent()
	intent.Side = models.SideSell
	_, fill, err := p.PlaceOrder(context.Background(), intent)
	require.NoError(t, err)

	assert.Less(t, fill.FillPx, intent.EntryPx)
	assert.InDelta(t, 100.0*(1-4.0/10000.0), fill.FillPx, 1e-12)
}

func TestPlaceOrderReadsCalibrationPercentile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calibration.json")
	body := `{"instrument_summary":{"BTCUSD":{"p50":1.5,"p75":6.0}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	p := NewPaper(newMemStore(), Config{
		FeeBps:             1.0,
		CalibrationPath:    path,
		SlippagePercentile: "p75",
	})

	_, fill, err := p.PlaceOrder(context.Background(), validIntent())
	require.NoError(t, err)
	assert.Equal(t, 6.0, fill.SlippageBps)
	assert.InDelta(t, 100.0*(1+7.0/10000.0), fill.FillPx, 1e-12)

	// незнакомый инструмент падает на fallback
	intent := validIntent()
	intent.Instrument = "DOGEUSD"
	_, fill, err = p.PlaceOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, 3.0, fill.SlippageBps)
}
