package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/ledger"
	"github.com/vexchange/matchcore/pkg/orderbook"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "slices"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.LatestHistory(); err != nil || ok {
		t.Fatalf("LatestHistory on empty store = ok=%v err=%v, want absent", ok, err)
	}

	for _, h := range []History{
		{Ts: 100, OperlogID: 5, OrderID: 7, DealsID: 3},
		{Ts: 200, OperlogID: 9, OrderID: 12, DealsID: 6},
	} {
		if err := s.PutHistory(h.Ts, h); err != nil {
			t.Fatalf("PutHistory(%d): %v", h.Ts, err)
		}
	}

	got, ok, err := s.LatestHistory()
	if err != nil || !ok {
		t.Fatalf("LatestHistory: ok=%v err=%v", ok, err)
	}
	if got.Ts != 200 || got.OperlogID != 9 || got.OrderID != 12 || got.DealsID != 6 {
		t.Errorf("LatestHistory = %+v, want the ts=200 row", got)
	}
}

func TestOrdersAndBalancesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ts := int64(1000)

	orders := []OrderRow{
		{Market: "STKMNY", ID: 2, Kind: orderbook.Limit, Side: orderbook.Bid,
			UserID: 7, Price: decimal.MustFromString("9.5"), Amount: decimal.MustFromString("3"),
			Left: decimal.MustFromString("1.5"), Freeze: decimal.MustFromString("14.25")},
		{Market: "STKMNY", ID: 1, Kind: orderbook.Limit, Side: orderbook.Ask,
			UserID: 4, Price: decimal.MustFromString("10"), Amount: decimal.MustFromString("2"),
			Left: decimal.MustFromString("2"), Freeze: decimal.MustFromString("2")},
	}
	if err := s.PutOrders(ts, orders); err != nil {
		t.Fatalf("PutOrders: %v", err)
	}

	balances := []BalanceRow{
		{UserID: 4, Asset: "STK", Kind: ledger.Frozen, Balance: decimal.MustFromString("2")},
		{UserID: 7, Asset: "MNY", Kind: ledger.Available, Balance: decimal.MustFromString("85.75")},
	}
	if err := s.PutBalances(ts, balances); err != nil {
		t.Fatalf("PutBalances: %v", err)
	}

	gotOrders, err := s.LoadOrders(ts)
	if err != nil {
		t.Fatalf("LoadOrders: %v", err)
	}
	if len(gotOrders) != 2 {
		t.Fatalf("LoadOrders returned %d rows, want 2", len(gotOrders))
	}
	// Keys zero-pad the order id, so rows come back in id order.
	if gotOrders[0].ID != 1 || gotOrders[1].ID != 2 {
		t.Errorf("LoadOrders ids = %d,%d, want 1,2", gotOrders[0].ID, gotOrders[1].ID)
	}
	if !gotOrders[1].Freeze.Equal(decimal.MustFromString("14.25")) {
		t.Errorf("order 2 freeze = %s, want 14.25", gotOrders[1].Freeze)
	}

	gotBals, err := s.LoadBalances(ts)
	if err != nil {
		t.Fatalf("LoadBalances: %v", err)
	}
	if len(gotBals) != 2 {
		t.Fatalf("LoadBalances returned %d rows, want 2", len(gotBals))
	}
	if gotBals[0].Kind != ledger.Frozen || !gotBals[0].Balance.Equal(decimal.MustFromString("2")) {
		t.Errorf("balance row 0 = %+v, want user 4 frozen 2", gotBals[0])
	}

	if rows, err := s.LoadOrders(ts + 1); err != nil || len(rows) != 0 {
		t.Errorf("LoadOrders(other ts) = %d rows (%v), want none", len(rows), err)
	}
}

func TestDeleteOlderThanKeepsNewestSlice(t *testing.T) {
	s := openTestStore(t)

	for _, ts := range []int64{100, 200, 300} {
		if err := s.PutHistory(ts, History{Ts: ts}); err != nil {
			t.Fatalf("PutHistory(%d): %v", ts, err)
		}
		if err := s.PutOrders(ts, []OrderRow{{Market: "STKMNY", ID: 1}}); err != nil {
			t.Fatalf("PutOrders(%d): %v", ts, err)
		}
	}

	if err := s.DeleteOlderThan(250, 300); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	for _, ts := range []int64{100, 200} {
		if rows, _ := s.LoadOrders(ts); len(rows) != 0 {
			t.Errorf("orders at ts=%d survived GC", ts)
		}
	}
	if rows, _ := s.LoadOrders(300); len(rows) != 1 {
		t.Error("orders at ts=300 should survive GC")
	}

	h, ok, err := s.LatestHistory()
	if err != nil || !ok || h.Ts != 300 {
		t.Errorf("LatestHistory after GC = %+v ok=%v err=%v, want ts=300", h, ok, err)
	}
}

// GC must refuse to run when the newest slice is itself older than the
// cutoff: deleting then would wipe the only snapshot left.
func TestDeleteOlderThanRefusesToWipeLastSlice(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutHistory(100, History{Ts: 100}); err != nil {
		t.Fatalf("PutHistory: %v", err)
	}
	if err := s.DeleteOlderThan(500, 100); err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if _, ok, _ := s.LatestHistory(); !ok {
		t.Error("the only slice_history row was deleted")
	}
}
