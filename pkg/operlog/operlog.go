// Package operlog implements the append-only operation log. Every
// state-mutating command is serialized to a per-day table by a single
// off-loop writer, flushed every 100ms, with at-least-once retry
// semantics.
package operlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vexchange/matchcore/pkg/decimal"
)

// Entry is one operlog row: `operlog_YYYYMMDD(id, time, detail)`, with
// `detail` canonical JSON `{method, params}`.
type Entry struct {
	ID     uint64
	Time   float64
	Method string
	Params any
}

func (e Entry) detail() (string, error) {
	// struct field order keeps {"method", "params"} stable; replay and
	// external consumers rely on the canonical key order.
	b, err := json.Marshal(struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}{e.Method, e.Params})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Writer owns the single off-loop worker serializing operlog rows; exactly
// one worker keeps the log in monotonic id order.
type Writer struct {
	db     *sql.DB
	ids    *decimal.Counter
	log    *zap.SugaredLogger
	maxPending int

	mu      sync.Mutex
	pending []Entry

	stop chan struct{}
	done chan struct{}
}

func NewWriter(db *sql.DB, ids *decimal.Counter, log *zap.SugaredLogger, maxPending int) *Writer {
	return &Writer{
		db: db, ids: ids, log: log, maxPending: maxPending,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Append allocates the next operlog id and queues the row for the next
// flush. Called synchronously from the event loop.
func (w *Writer) Append(now float64, method string, params any) uint64 {
	id := w.ids.Next()
	w.mu.Lock()
	w.pending = append(w.pending, Entry{ID: id, Time: now, Method: method, Params: params})
	w.mu.Unlock()
	return id
}

// Blocked reports whether the pending queue has reached the configured
// maximum, for the dispatcher's admission gate.
func (w *Writer) Blocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) >= w.maxPending
}

// Pending reports the current queue depth, for /metrics.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// LastID returns the most recently allocated operlog id, recorded in each
// snapshot's slice_history row.
func (w *Writer) LastID() uint64 { return w.ids.Last() }

// Run drains the pending queue every 100ms into the day's table until
// Stop is called. Meant to run in its own goroutine.
func (w *Writer) Run() {
	defer close(w.done)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Writer) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Writer) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	table := tableName(time.Now())
	if err := w.ensureTable(table); err != nil {
		w.log.Errorw("operlog_ensure_table_failed", "table", table, "err", err)
		w.retry(table, batch)
		return
	}
	if err := w.insertBatch(table, batch); err != nil {
		w.log.Errorw("operlog_insert_failed", "table", table, "err", err)
		w.retry(table, batch)
	}
}

// retry re-enqueues the batch after a 1-second backoff; the operlog worker
// retries forever because the log is the source of truth.
func (w *Writer) retry(table string, batch []Entry) {
	time.Sleep(1 * time.Second)
	w.mu.Lock()
	w.pending = append(batch, w.pending...)
	w.mu.Unlock()
}

func tableName(t time.Time) string {
	return fmt.Sprintf("operlog_%s", t.Format("20060102"))
}

func (w *Writer) ensureTable(table string) error {
	_, err := w.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			time DOUBLE PRECISION NOT NULL,
			detail JSONB NOT NULL
		)`, table))
	return err
}

func (w *Writer) insertBatch(table string, batch []Entry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT INTO %s (id, time, detail) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`, table))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		detail, err := e.detail()
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.Exec(e.ID, e.Time, detail); err != nil {
			if isDuplicateKey(err) {
				continue
			}
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}

// ReadSince reads every operlog row with id > afterID across all
// operlog_YYYYMMDD tables, merged and sorted by id, for the startup replay
// (engine.Restore's replayTail callback).
func ReadSince(db *sql.DB, afterID uint64) ([]Entry, error) {
	tableRows, err := db.Query(
		`SELECT table_name FROM information_schema.tables WHERE table_name LIKE 'operlog_%' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	var tables []string
	for tableRows.Next() {
		var t string
		if err := tableRows.Scan(&t); err != nil {
			tableRows.Close()
			return nil, err
		}
		tables = append(tables, t)
	}
	tableRows.Close()

	var out []Entry
	for _, table := range tables {
		rows, err := db.Query(fmt.Sprintf(`SELECT id, time, detail FROM %s WHERE id > $1 ORDER BY id`, table), afterID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var e Entry
			var detail string
			if err := rows.Scan(&e.ID, &e.Time, &detail); err != nil {
				rows.Close()
				return nil, err
			}
			var body struct {
				Method string `json:"method"`
				Params any    `json:"params"`
			}
			if err := json.Unmarshal([]byte(detail), &body); err != nil {
				rows.Close()
				return nil, err
			}
			e.Method, e.Params = body.Method, body.Params
			out = append(out, e)
		}
		rows.Close()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
