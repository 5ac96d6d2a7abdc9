// Package history fans out derived history rows. Five logical streams
// (user-order, order-detail, order-deal, user-deal, user-balance) are each
// partitioned by id modulus, coalesced into per-partition batches, and
// handed to a worker pool every 100ms, over the same database/sql + lib/pq
// idiom as pkg/operlog.
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Stream identifies one of the five history table families.
type Stream int

const (
	UserOrder Stream = iota
	OrderDetail
	OrderDeal
	UserDeal
	UserBalance
)

func (s Stream) table(partition uint64) string {
	names := [...]string{"order_history", "order_detail", "deal_history", "user_deal_history", "balance_history"}
	return fmt.Sprintf("%s_%d", names[s], partition)
}

func (s Stream) columns() []string {
	switch s {
	case UserOrder:
		return []string{"order_id", "user_id", "market", "side", "price", "amount", "time"}
	case OrderDetail:
		return []string{"order_id", "market", "detail", "time"}
	case OrderDeal:
		return []string{"deal_id", "ask_id", "bid_id", "market", "price", "amount", "time"}
	case UserDeal:
		return []string{"deal_id", "user_id", "order_id", "market", "role", "price", "amount", "fee", "time"}
	case UserBalance:
		return []string{"user_id", "asset", "business", "change", "time"}
	default:
		return nil
	}
}

// Row is one pending history record. Partition groups rows for
// coalescing: user streams partition by user_id, order/deal streams by
// order_id/deal_id.
type Row struct {
	Stream    Stream
	Partition uint64
	Values    []any
}

// Emitter is the off-loop history fan-out: a job queue feeding a pool of
// workers, each with its own connection.
type Emitter struct {
	dsn        string
	hashNum    uint64
	maxPending int
	workers    int
	log        *zap.SugaredLogger

	mu      sync.Mutex
	pending map[key][]Row
	queued  int

	jobs chan []Row
	stop chan struct{}
	wg   sync.WaitGroup
}

type key struct {
	stream    Stream
	partition uint64
}

// NewEmitter builds an Emitter. hashNum is the table-partitioning modulus;
// workers is the configured pool size.
func NewEmitter(dsn string, hashNum uint64, workers, maxPending int, log *zap.SugaredLogger) *Emitter {
	return &Emitter{
		dsn: dsn, hashNum: hashNum, maxPending: maxPending, workers: workers, log: log,
		pending: make(map[key][]Row),
		jobs:    make(chan []Row, maxPending),
		stop:    make(chan struct{}),
	}
}

// Push enqueues one history row. Pending rows for the same (stream,
// partition) key are coalesced into a single multi-row insert statement at
// the next dispatch.
func (e *Emitter) Push(r Row) {
	r.Partition = r.Partition % e.hashNum
	e.mu.Lock()
	k := key{r.Stream, r.Partition}
	e.pending[k] = append(e.pending[k], r)
	e.mu.Unlock()
}

// Blocked reports whether the queued-job count has reached the configured
// maximum, for the dispatcher's admission gate.
func (e *Emitter) Blocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued >= e.maxPending
}

// Queued reports the current queued-job count, for /metrics.
func (e *Emitter) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// PendingRows reports how many rows are coalesced for one stream across all
// partitions, awaiting the next 100ms dispatch. Exported for tests that
// assert which streams a command pushed to.
func (e *Emitter) PendingRows(stream Stream) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for k, rows := range e.pending {
		if k.stream == stream {
			n += len(rows)
		}
	}
	return n
}

// Start launches the worker pool and the 100ms coalesce/dispatch loop.
func (e *Emitter) Start() error {
	for i := 0; i < e.workers; i++ {
		db, err := sql.Open("postgres", e.dsn)
		if err != nil {
			return err
		}
		e.wg.Add(1)
		go e.runWorker(db)
	}
	e.wg.Add(1)
	go e.runDispatch()
	return nil
}

func (e *Emitter) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Emitter) runDispatch() {
	defer e.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			e.dispatchOnce()
			close(e.jobs)
			return
		case <-ticker.C:
			e.dispatchOnce()
		}
	}
}

func (e *Emitter) dispatchOnce() {
	e.mu.Lock()
	batches := e.pending
	e.pending = make(map[key][]Row)
	e.mu.Unlock()

	for _, rows := range batches {
		e.mu.Lock()
		e.queued++
		e.mu.Unlock()
		e.jobs <- rows
	}
}

func (e *Emitter) runWorker(db *sql.DB) {
	defer e.wg.Done()
	defer db.Close()
	for rows := range e.jobs {
		e.insertWithRetry(db, rows)
		e.mu.Lock()
		e.queued--
		e.mu.Unlock()
	}
}

// insertWithRetry writes one coalesced batch, retrying on transient error
// with a 1-second backoff; a duplicate-key error is treated as success.
func (e *Emitter) insertWithRetry(db *sql.DB, rows []Row) {
	for {
		if err := e.insert(db, rows); err != nil {
			if isDuplicateKey(err) {
				return
			}
			e.log.Errorw("history_insert_failed", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}
		return
	}
}

func (e *Emitter) insert(db *sql.DB, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	stream := rows[0].Stream
	partition := rows[0].Partition
	table := stream.table(partition)
	cols := stream.columns()

	if _, err := db.Exec(createTableDDL(table, cols)); err != nil {
		return err
	}

	var placeholders []string
	var args []any
	n := 1
	for _, r := range rows {
		ph := make([]string, len(r.Values))
		for i := range r.Values {
			ph[i] = fmt.Sprintf("$%d", n)
			n++
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
		args = append(args, r.Values...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING",
		table, strings.Join(cols, ","), strings.Join(placeholders, ","))
	_, err := db.Exec(query, args...)
	return err
}

func createTableDDL(table string, cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

func isDuplicateKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
