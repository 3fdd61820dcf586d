package storage

import (
	"context"
	"fmt"
	"time"

	"paper_trader/internal/models"
	"paper_trader/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

// Pg реализует Store поверх PgTxManager. Схему таблиц рантайм не трогает —
// её накатывает отдельный инструмент.
type Pg struct {
	db *db.PgTxManager
}

func NewPg(m *db.PgTxManager) *Pg {
	return &Pg{db: m}
}

func (p *Pg) InsertGovernance(ctx context.Context, kind, instrument, setupType, action, reason string, stats map[string]any) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.InsertGovernance: %w", err)
		}
	}()

	data, err := sonic.Marshal(orEmpty(stats))
	if err != nil {
		return err
	}
	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO governance_events(event_id, timestamp, kind, instrument, setup_type, action, reason, stats)
			 VALUES(encode(gen_random_bytes(16),'hex'), now(), $1, $2, $3, $4, $5, $6::jsonb)`,
			kind, instrument, setupType, action, reason, string(data))
		return err
	})
}

func (p *Pg) InsertCB(ctx context.Context, trigger, threshold, action string, details map[string]any) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.InsertCB: %w", err)
		}
	}()

	data, err := sonic.Marshal(orEmpty(details))
	if err != nil {
		return err
	}
	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO circuit_breaker_events(event_id, timestamp, trigger_name, threshold, action, details)
			 VALUES(encode(gen_random_bytes(16),'hex'), now(), $1, $2, $3, $4::jsonb)`,
			trigger, threshold, action, string(data))
		return err
	})
}

func (p *Pg) InsertSignal(ctx context.Context, signalID string, ts time.Time, instrument, strategy, decision, vetoReason string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.InsertSignal: %w", err)
		}
	}()

	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO signals(signal_id, timestamp, instrument, strategy, decision, veto_reason)
			 VALUES($1, $2, $3, $4, $5, $6)
			 ON CONFLICT(signal_id) DO UPDATE SET
			   timestamp=EXCLUDED.timestamp, instrument=EXCLUDED.instrument,
			   strategy=EXCLUDED.strategy, decision=EXCLUDED.decision, veto_reason=EXCLUDED.veto_reason`,
			signalID, ts, instrument, strategy, decision, vetoReason)
		return err
	})
}

func (p *Pg) UpsertOrder(ctx context.Context, orderID, signalID, status string, sentAt, ackAt time.Time) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertOrder: %w", err)
		}
	}()

	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO orders(order_id, signal_id, status, sent_at, ack_at)
			 VALUES($1, $2, $3, $4, $5)
			 ON CONFLICT(order_id) DO UPDATE SET status=EXCLUDED.status, ack_at=EXCLUDED.ack_at`,
			orderID, signalID, status, sentAt, ackAt)
		return err
	})
}

func (p *Pg) UpsertFill(ctx context.Context, fill models.Fill, intent models.OrderIntent) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertFill: %w", err)
		}
	}()

	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO fills(fill_id, order_id, ts, fill_px, fill_qty, mid_at_send, bid_at_send, ask_at_send, slippage_bps)
			 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT(fill_id) DO UPDATE SET fill_px=EXCLUDED.fill_px, fill_qty=EXCLUDED.fill_qty`,
			fill.FillID, fill.OrderID, fill.TS, fill.FillPx, fill.FillQty,
			intent.EntryPx, intent.EntryPx, intent.EntryPx, fill.SlippageBps)
		return err
	})
}

func (p *Pg) UpsertTradeOpen(ctx context.Context, pos *models.Position) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertTradeOpen: %w", err)
		}
	}()

	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`INSERT INTO trades(trade_id, signal_id, instrument, status, side, qty,
			                    entry_timestamp, entry_price, risk_r, entry_sequence_id, stop_price, take_price)
			 VALUES($1, $2, $3, 'OPEN', $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT(trade_id) DO UPDATE SET
			   status='OPEN', entry_price=EXCLUDED.entry_price, qty=EXCLUDED.qty`,
			pos.PositionID, pos.SignalID, pos.Instrument, string(pos.Side), pos.Qty,
			pos.EntryTS, pos.EntryPrice, pos.RiskR, pos.EntrySequenceID, pos.StopPrice, pos.TakePrice)
		return err
	})
}

func (p *Pg) UpsertTradeClose(ctx context.Context, pos *models.Position, realizedR, realizedPnL float64) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.UpsertTradeClose: %w", err)
		}
	}()

	return p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx,
			`UPDATE trades SET
			   status='CLOSED', exit_timestamp=$2, exit_price=$3, realized_r=$4, realized_pnl=$5, exit_reason=$6
			 WHERE trade_id=$1`,
			pos.PositionID, pos.ExitTS, pos.ExitPrice, realizedR, realizedPnL, pos.ExitReason)
		return err
	})
}

func (p *Pg) FetchOpenTrades(ctx context.Context) (rows []models.OpenTradeRow, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.FetchOpenTrades: %w", err)
		}
	}()

	err = p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		r, err := tx.Query(ctxTx,
			`SELECT trade_id, signal_id, instrument, side, entry_timestamp, entry_price,
			        qty, risk_r, COALESCE(entry_sequence_id, 0), stop_price, take_price
			 FROM trades
			 WHERE COALESCE(status, CASE WHEN exit_timestamp IS NULL THEN 'OPEN' ELSE 'CLOSED' END)='OPEN'
			 ORDER BY entry_timestamp ASC`)
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var row models.OpenTradeRow
			var side string
			if err := r.Scan(&row.TradeID, &row.SignalID, &row.Instrument, &side,
				&row.EntryTimestamp, &row.EntryPrice, &row.Qty, &row.RiskR,
				&row.EntrySequenceID, &row.StopPrice, &row.TakePrice); err != nil {
				return err
			}
			row.Side = models.Side(side)
			rows = append(rows, row)
		}
		return r.Err()
	})
	return rows, err
}

func (p *Pg) Counts(ctx context.Context) (out map[string]int64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.Counts: %w", err)
		}
	}()

	out = make(map[string]int64, 4)
	err = p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		for _, table := range []string{"signals", "orders", "fills", "trades"} {
			var c int64
			if err := tx.QueryRow(ctxTx, "SELECT count(*) FROM "+table).Scan(&c); err != nil {
				return err
			}
			out[table] = c
		}
		return nil
	})
	return out, err
}

func (p *Pg) OpenTradesCount(ctx context.Context) (n int, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.OpenTradesCount: %w", err)
		}
	}()

	err = p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctxTx,
			`SELECT count(*) FROM trades
			 WHERE COALESCE(status, CASE WHEN exit_timestamp IS NULL THEN 'OPEN' ELSE 'CLOSED' END)='OPEN'`,
		).Scan(&n)
	})
	return n, err
}

func (p *Pg) OpenExposureR(ctx context.Context) (r float64, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.OpenExposureR: %w", err)
		}
	}()

	err = p.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctxTx,
			`SELECT COALESCE(SUM(risk_r), 0) FROM trades
			 WHERE COALESCE(status, CASE WHEN exit_timestamp IS NULL THEN 'OPEN' ELSE 'CLOSED' END)='OPEN'`,
		).Scan(&r)
	})
	return r, err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
