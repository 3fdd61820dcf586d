package storage

import (
	"context"
	"time"

	"paper_trader/internal/models"
)

// Store — всё, что рантайм хочет от базы. База — единственный источник
// правды между рестартами; upsert'ы по детерминированным id делают
// повторную доставку безопасной.
type Store interface {
	InsertGovernance(ctx context.Context, kind, instrument, setupType, action, reason string, stats map[string]any) error
	InsertCB(ctx context.Context, trigger, threshold, action string, details map[string]any) error
	InsertSignal(ctx context.Context, signalID string, ts time.Time, instrument, strategy, decision, vetoReason string) error

	UpsertOrder(ctx context.Context, orderID, signalID, status string, sentAt, ackAt time.Time) error
	UpsertFill(ctx context.Context, fill models.Fill, intent models.OrderIntent) error
	UpsertTradeOpen(ctx context.Context, pos *models.Position) error
	UpsertTradeClose(ctx context.Context, pos *models.Position, realizedR, realizedPnL float64) error

	FetchOpenTrades(ctx context.Context) ([]models.OpenTradeRow, error)
	Counts(ctx context.Context) (map[string]int64, error)
	OpenTradesCount(ctx context.Context) (int, error)
	OpenExposureR(ctx context.Context) (float64, error)
}
