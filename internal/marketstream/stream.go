package marketstream

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"paper_trader/internal/bus"
	"paper_trader/internal/models"

	"github.com/pkg/errors"
)

// Metrics — то, что стрим успел намерить за последний poll.
// Раннер кладёт это в снапшот для circuit breaker'ов.
type Metrics struct {
	FeedLatencyMS   float64
	EventQueueDepth int
}

// Stream поллит append-only CSV-фиды (<SYMBOL>_<tf>.csv в DataDir) и
// эмитит в шину только строки строго новее последнего увиденного
// timestamp по символу. Повторный poll того же файла ничего не дублирует.
type Stream struct {
	universe  []string
	timeframe string
	dataDir   string
	bus       *bus.EventBus

	lastTS  map[string]time.Time // symbol -> последний обработанный timestamp
	metrics Metrics
}

func New(universe []string, timeframe, dataDir string, b *bus.EventBus) *Stream {
	return &Stream{
		universe:  universe,
		timeframe: timeframe,
		dataDir:   dataDir,
		bus:       b,
		lastTS:    make(map[string]time.Time),
	}
}

func (s *Stream) Metrics() Metrics { return s.metrics }

// Poll возвращает число выпущенных событий. Ошибка чтения фида фатальна
// для всего вызова — дальше разбирается цикл раннера.
func (s *Stream) Poll() (int, error) {
	produced := 0
	t0 := time.Now()

	for _, symbol := range s.universe {
		rows, err := s.loadRows(symbol)
		if err != nil {
			return produced, errors.Wrapf(err, "load rows for %s", symbol)
		}
		if len(rows) == 0 {
			continue
		}

		last := s.lastTS[symbol]
		fresh := rows[:0:0]
		for _, r := range rows {
			// сравниваем распарсенное время: сырые строки могут быть в
			// разных форматах и лексикографически не упорядочены
			if last.IsZero() || r.ts.After(last) {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		// эмитим все невиданные строки в строгом порядке времени
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].ts.Before(fresh[j].ts) })

		for _, r := range fresh {
			seq := s.bus.NextSequence(symbol, s.timeframe)
			s.bus.Emit(models.CandleEvent{
				Instrument: symbol,
				Timeframe:  s.timeframe,
				Timestamp:  r.ts,
				Open:       r.open,
				High:       r.high,
				Low:        r.low,
				Close:      r.close,
				Volume:     r.volume,
				SequenceID: seq,
			})
			s.lastTS[symbol] = r.ts
			produced++
		}
	}

	s.metrics.FeedLatencyMS = float64(time.Since(t0).Microseconds()) / 1000.0
	s.metrics.EventQueueDepth = s.bus.Depth()
	return produced, nil
}

type rawRow struct {
	ts     time.Time
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
}

func (s *Stream) loadRows(symbol string) ([]rawRow, error) {
	path := filepath.Join(s.dataDir, symbol+"_"+s.timeframe+".csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // фида ещё нет — это не ошибка
		}
		return nil, errors.Wrap(err, "open feed")
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "read feed")
	}
	if len(records) < 2 {
		return nil, nil
	}

	idx := headerIndex(records[0])
	out := make([]rawRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		row, ok := parseRow(rec, idx)
		if !ok {
			continue // битые строки просто пропускаем
		}
		out = append(out, row)
	}
	return out, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	return idx
}

func parseRow(rec []string, idx map[string]int) (rawRow, bool) {
	get := func(name string) (string, bool) {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return "", false
		}
		return rec[i], true
	}

	rawTS, ok := get("timestamp")
	if !ok || rawTS == "" {
		return rawRow{}, false
	}
	ts, err := parseTimestamp(rawTS)
	if err != nil {
		return rawRow{}, false
	}

	var row rawRow
	row.ts = ts
	for _, field := range []struct {
		name string
		dst  *float64
	}{
		{"open", &row.open},
		{"high", &row.high},
		{"low", &row.low},
		{"close", &row.close},
	} {
		v, ok := get(field.name)
		if !ok || v == "" {
			return rawRow{}, false
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return rawRow{}, false
		}
		*field.dst = f
	}
	if v, ok := get("volume"); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			row.volume = f
		}
	}
	return row, true
}

func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	return time.Parse("2006-01-02 15:04:05", raw)
}
