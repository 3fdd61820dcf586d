package marketstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const okxBusinessWS = "wss://ws.okx.com:8443/ws/v5/business"

// LiveFeed — один WebSocket на таймфрейм с пачкой инструментов в args.
// Подтверждённые свечи дописываются в те же append-only CSV, которые
// читает Stream.Poll — так живой фид и реплей из файла идут через один
// и тот же код доставки.
type LiveFeed struct {
	universe  []string
	timeframe string
	dataDir   string
	dialer    *websocket.Dialer
}

func NewLiveFeed(universe []string, timeframe, dataDir string) *LiveFeed {
	return &LiveFeed{
		universe:  universe,
		timeframe: timeframe,
		dataDir:   dataDir,
		dialer:    websocket.DefaultDialer,
	}
}

// Run блокирует до отмены контекста, переподключаясь при обрывах.
func (lf *LiveFeed) Run(ctx context.Context) {
	if len(lf.universe) == 0 {
		return
	}

	channel := "candle" + lf.timeframe
	args := make([]map[string]string, 0, len(lf.universe))
	for _, id := range lf.universe {
		args = append(args, map[string]string{
			"channel": channel,
			"instId":  id,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Printf("[WS] connect %s %d symbols", channel, len(lf.universe))
		conn, _, err := lf.dialer.Dial(okxBusinessWS, nil)
		if err != nil {
			log.Printf("[WS] dial error %s: %v", channel, err)
			time.Sleep(time.Second)
			continue
		}

		sub := map[string]any{
			"op":   "subscribe",
			"args": args,
		}
		if err := conn.WriteJSON(sub); err != nil {
			log.Printf("[WS] subscribe error %s: %v", channel, err)
			_ = conn.Close()
			continue
		}

		// keepalive ping каждые 20s — иначе OKX рвёт соединение
		stopPing := make(chan struct{})
		go func() {
			t := time.NewTicker(20 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stopPing:
					return
				case <-t.C:
					_ = conn.WriteJSON(map[string]string{"op": "ping"})
				}
			}
		}()

		lf.readLoop(ctx, conn, channel)
		close(stopPing)
		_ = conn.Close()
	}
}

func (lf *LiveFeed) readLoop(ctx context.Context, conn *websocket.Conn, channel string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] read error %s: %v", channel, err)
			return
		}

		var frame struct {
			Arg struct {
				Channel string `json:"channel"`
				InstID  string `json:"instId"`
			} `json:"arg"`
			Data [][]string `json:"data"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Arg.Channel != channel || len(frame.Data) == 0 {
			continue
		}

		for _, row := range frame.Data {
			// [ts, o, h, l, c, vol, ...,  confirm]
			if len(row) < 6 {
				continue
			}
			if row[len(row)-1] != "1" {
				continue // ждём закрытую свечу
			}
			if err := lf.appendBar(frame.Arg.InstID, row); err != nil {
				log.Printf("[WS] append bar %s: %v", frame.Arg.InstID, err)
			}
		}
	}
}

func (lf *LiveFeed) appendBar(instID string, row []string) error {
	tsMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return err
	}
	ts := time.UnixMilli(tsMs).UTC().Format(time.RFC3339)

	path := filepath.Join(lf.dataDir, instID+"_"+lf.timeframe+".csv")
	writeHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if writeHeader {
		if _, err := f.WriteString("timestamp,open,high,low,close,volume\n"); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(f, "%s,%s,%s,%s,%s,%s\n", ts, row[1], row[2], row[3], row[4], row[5])
	return err
}
