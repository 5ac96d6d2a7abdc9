// Package snapshot persists periodic dumps of balances and resting orders
// into dated slices, read back on startup before the operlog tail replay.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/ledger"
	"github.com/vexchange/matchcore/pkg/orderbook"
)

// Store is the Pebble-backed slice store. Key schema, one short prefix per
// logical table:
//
//	hist:<ts-20digits>           -> History
//	ord:<ts-20digits>:<order_id> -> OrderRow
//	bal:<ts-20digits>:<seq>      -> BalanceRow
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const (
	prefixHistory = "hist:"
	prefixOrder   = "ord:"
	prefixBalance = "bal:"
)

func tsKey(prefix string, ts int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", prefix, ts))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// History is the `slice_history(id, time, end_oper_id, end_order_id,
// end_deals_id)` row.
type History struct {
	Ts         int64  `json:"ts"`
	OperlogID  uint64 `json:"operlog_id"`
	OrderID    uint64 `json:"order_id"`
	DealsID    uint64 `json:"deals_id"`
}

// OrderRow is one `slice_order_<ts>` row.
type OrderRow struct {
	Market     string          `json:"market"`
	ID         uint64          `json:"id"`
	Kind       orderbook.Kind  `json:"t"`
	Side       orderbook.Side  `json:"side"`
	CreateTime float64         `json:"create_time"`
	UpdateTime float64         `json:"update_time"`
	UserID     uint32          `json:"user_id"`
	Price      decimal.D       `json:"price"`
	Amount     decimal.D       `json:"amount"`
	TakerFee   decimal.D       `json:"taker_fee"`
	MakerFee   decimal.D       `json:"maker_fee"`
	Left       decimal.D       `json:"left"`
	Freeze     decimal.D       `json:"freeze"`
	DealStock  decimal.D       `json:"deal_stock"`
	DealMoney  decimal.D       `json:"deal_money"`
	DealFee    decimal.D       `json:"deal_fee"`
	Source     string          `json:"source"`
}

// BalanceRow is one `slice_balance_<ts>` row.
type BalanceRow struct {
	UserID  uint32        `json:"user_id"`
	Asset   string        `json:"asset"`
	Kind    ledger.Kind   `json:"t"`
	Balance decimal.D     `json:"balance"`
}

// PutHistory writes the slice_history row for ts.
func (s *Store) PutHistory(ts int64, h History) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return s.db.Set(tsKey(prefixHistory, ts), data, pebble.Sync)
}

// LatestHistory returns the most recent slice_history row, or ok=false if
// none exists yet.
func (s *Store) LatestHistory() (History, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixHistory),
		UpperBound: keyUpperBound([]byte(prefixHistory)),
	})
	if err != nil {
		return History{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return History{}, false, nil
	}
	var h History
	if err := json.Unmarshal(iter.Value(), &h); err != nil {
		return History{}, false, err
	}
	return h, true, nil
}

// PutOrders writes every resting order at ts.
func (s *Store) PutOrders(ts int64, rows []OrderRow) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := append(tsKey(prefixOrder, ts), []byte(fmt.Sprintf("%020d", r.ID))...)
		if err := batch.Set(key, data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// LoadOrders reads every order row written for ts.
func (s *Store) LoadOrders(ts int64) ([]OrderRow, error) {
	prefix := tsKey(prefixOrder, ts)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows []OrderRow
	for iter.First(); iter.Valid(); iter.Next() {
		var r OrderRow
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// PutBalances writes the whole ledger at ts.
func (s *Store) PutBalances(ts int64, rows []BalanceRow) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for i, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := append(tsKey(prefixBalance, ts), []byte(fmt.Sprintf("%020d", i))...)
		if err := batch.Set(key, data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// LoadBalances reads every balance row written for ts.
func (s *Store) LoadBalances(ts int64) ([]BalanceRow, error) {
	prefix := tsKey(prefixBalance, ts)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows []BalanceRow
	for iter.First(); iter.Valid(); iter.Next() {
		var r BalanceRow
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// DeleteOlderThan drops every hist/ord/bal row for a timestamp strictly
// before cutoff, but never keepTs itself, and refuses entirely when keepTs
// is already older than cutoff — GC must never wipe the only snapshot left.
func (s *Store) DeleteOlderThan(cutoff int64, keepTs int64) error {
	if keepTs < cutoff {
		return nil
	}
	for _, prefix := range [][]byte{[]byte(prefixHistory), []byte(prefixOrder), []byte(prefixBalance)} {
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
		if err != nil {
			return err
		}
		batch := s.db.NewBatch()
		for iter.First(); iter.Valid(); iter.Next() {
			key := append([]byte{}, iter.Key()...)
			ts, ok := parseTsFromKey(key, len(prefix))
			if ok && ts < cutoff && ts != keepTs {
				if err := batch.Delete(key, nil); err != nil {
					iter.Close()
					batch.Close()
					return err
				}
			}
		}
		iter.Close()
		if err := batch.Commit(pebble.Sync); err != nil {
			batch.Close()
			return err
		}
		batch.Close()
	}
	return nil
}

func parseTsFromKey(key []byte, prefixLen int) (int64, bool) {
	if len(key) < prefixLen+20 {
		return 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(string(key[prefixLen:prefixLen+20]), "%020d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}
