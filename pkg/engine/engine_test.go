package engine

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vexchange/matchcore/pkg/bizerr"
	"github.com/vexchange/matchcore/pkg/bus"
	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/history"
	"github.com/vexchange/matchcore/pkg/idempotency"
	"github.com/vexchange/matchcore/pkg/ledger"
	"github.com/vexchange/matchcore/pkg/market"
	"github.com/vexchange/matchcore/pkg/operlog"
	"github.com/vexchange/matchcore/pkg/orderbook"
	"github.com/vexchange/matchcore/pkg/snapshot"
	"github.com/vexchange/matchcore/pkg/wire"
)

// newTestEngine wires a full Engine the way cmd/node does, but with
// off-loop workers never started: operlog/history never call their real
// database, and the command loop (e.run) never launches, so every command
// below is driven synchronously through e.handle on the test goroutine —
// equivalent to the single event-loop goroutine the engine runs in
// production, just without the channel hop.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := snapshot.Open(filepath.Join(t.TempDir(), "slices"))
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newTestEngineWithStore(t, store)
}

// newTestEngineWithStore lets restart-style tests build a second engine over
// the same slice store a first engine dumped into.
func newTestEngineWithStore(t *testing.T, store *snapshot.Store) *Engine {
	t.Helper()

	btc := market.Asset{Name: "STK", PrecSave: 8, PrecShow: 6}
	usd := market.Asset{Name: "MNY", PrecSave: 8, PrecShow: 6}
	mkt, err := market.NewMarket("STKMNY", "STK", "MNY", 4, 4, 4, "0.0001", btc, usd)
	if err != nil {
		t.Fatalf("NewMarket: %v", err)
	}
	reg, err := market.NewRegistryFromParts([]market.Asset{btc, usd}, []*market.Market{mkt})
	if err != nil {
		t.Fatalf("NewRegistryFromParts: %v", err)
	}

	led := ledger.New(reg)
	orderIDs := decimal.NewCounter(0)
	dealIDs := decimal.NewCounter(0)
	clock := time.Unix(1_700_000_000, 0)
	nowFn := func() time.Time { return clock }

	logger := zap.NewNop().Sugar()
	idemp := idempotency.New(nowFn)
	ol := operlog.NewWriter(nil, decimal.NewCounter(0), logger, 100)
	he := history.NewEmitter("", 997, 1, 1000, logger)
	hub := bus.NewHub(logger)
	be := bus.NewEmitter(hub, 1000)

	cfg := Config{SourceMaxLen: 64, DepthCacheTimeout: 450 * time.Millisecond}
	return New(cfg, reg, led, orderIDs, dealIDs, idemp, ol, he, be, hub, store, nowFn, logger)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func submit(t *testing.T, e *Engine, method wire.Method, params any) (any, error) {
	t.Helper()
	return e.handle(method, mustJSON(t, params), true)
}

// creditAvailable seeds a balance directly via a balance.update command, the
// same path the admin/external transport uses.
func creditAvailable(t *testing.T, e *Engine, user uint32, asset, amount, businessID string) {
	t.Helper()
	_, err := submit(t, e, wire.MethodBalanceUpdate, balanceUpdateParams{
		UserID: user, Asset: asset, Business: "deposit", BusinessID: businessID, Change: amount,
	})
	if err != nil {
		t.Fatalf("credit %s %s to user %d: %v", amount, asset, user, err)
	}
}

// TestSimpleLimitCross drives a full cross between one ask and one bid at
// the same price, with zero fees.
func TestSimpleLimitCross(t *testing.T) {
	e := newTestEngine(t)
	creditAvailable(t, e, 1, "STK", "10", "d1")
	creditAvailable(t, e, 2, "MNY", "1000", "d2")

	askResult, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 1, Side: "ask", Amount: "1", Price: "100",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	if err != nil {
		t.Fatalf("ask put_limit: %v", err)
	}
	_ = askResult

	bidResult, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 2, Side: "bid", Amount: "1", Price: "100",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	if err != nil {
		t.Fatalf("bid put_limit: %v", err)
	}
	_ = bidResult

	u1Money, err := e.ledger.Get(1, ledger.Available, "MNY")
	if err != nil || !u1Money.Equal(decimal.MustFromString("100")) {
		t.Errorf("u1 MNY available = %v (%v), want 100", u1Money, err)
	}
	u1Stock, _ := e.ledger.Get(1, ledger.Available, "STK")
	if !u1Stock.Equal(decimal.MustFromString("9")) {
		t.Errorf("u1 STK available = %v, want 9", u1Stock)
	}
	u2Stock, err := e.ledger.Get(2, ledger.Available, "STK")
	if err != nil || !u2Stock.Equal(decimal.MustFromString("1")) {
		t.Errorf("u2 STK available = %v (%v), want 1", u2Stock, err)
	}
	u2Money, _ := e.ledger.Get(2, ledger.Available, "MNY")
	if !u2Money.Equal(decimal.MustFromString("900")) {
		t.Errorf("u2 MNY available = %v, want 900", u2Money)
	}
	if e.orderIDs.Last() != 2 {
		t.Errorf("order_id_start = %d, want 2", e.orderIDs.Last())
	}
	if e.dealIDs.Last() != 1 {
		t.Errorf("deals_id_start = %d, want 1", e.dealIDs.Last())
	}
}

// TestCancelUnfreezesAndSkipsOrderHistory: cancelling a never-filled order
// unfreezes the balance and emits FINISH, but — unlike a finish reached
// through a fill — does not append an order_history row, since deal_stock
// is still zero.
func TestCancelUnfreezesAndSkipsOrderHistory(t *testing.T) {
	e := newTestEngine(t)
	creditAvailable(t, e, 1, "MNY", "1000", "d1")

	var putResult orderbookView
	raw, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 1, Side: "bid", Amount: "2", Price: "50",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	if err != nil {
		t.Fatalf("put_limit: %v", err)
	}
	decodeView(t, raw, &putResult)

	frozen, _ := e.ledger.Get(1, ledger.Frozen, "MNY")
	if !frozen.Equal(decimal.MustFromString("100")) {
		t.Fatalf("MNY frozen after resting bid = %v, want 100", frozen)
	}

	pendingBefore := e.history.PendingRows(history.UserOrder)

	_, err = submit(t, e, wire.MethodOrderCancel, orderCancelParams{
		Market: "STKMNY", UserID: 1, OrderID: putResult.ID,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	avail, _ := e.ledger.Get(1, ledger.Available, "MNY")
	frozen, _ = e.ledger.Get(1, ledger.Frozen, "MNY")
	if !avail.Equal(decimal.MustFromString("1000")) {
		t.Errorf("MNY available after cancel = %v, want 1000", avail)
	}
	if !frozen.IsZero() {
		t.Errorf("MNY frozen after cancel = %v, want 0", frozen)
	}

	pendingAfter := e.history.PendingRows(history.UserOrder)
	if pendingAfter != pendingBefore {
		t.Errorf("order_history rows pushed by a zero-fill cancel = %d, want 0 (before=%d after=%d)",
			pendingAfter-pendingBefore, pendingBefore, pendingAfter)
	}
}

// TestCancelAfterPartialFillAppendsOrderHistory is the mirror case: a cancel
// on an order that DID fill some amount must append order_history.
func TestCancelAfterPartialFillAppendsOrderHistory(t *testing.T) {
	e := newTestEngine(t)
	creditAvailable(t, e, 1, "STK", "10", "d1")
	creditAvailable(t, e, 2, "MNY", "1000", "d2")

	var maker orderbookView
	raw, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 1, Side: "ask", Amount: "5", Price: "10",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	if err != nil {
		t.Fatalf("maker put_limit: %v", err)
	}
	decodeView(t, raw, &maker)

	if _, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 2, Side: "bid", Amount: "3", Price: "10",
		TakerFee: "0", MakerFee: "0", Source: "api",
	}); err != nil {
		t.Fatalf("taker put_limit: %v", err)
	}

	pendingBefore := e.history.PendingRows(history.UserOrder)
	if _, err := submit(t, e, wire.MethodOrderCancel, orderCancelParams{
		Market: "STKMNY", UserID: 1, OrderID: maker.ID,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	pendingAfter := e.history.PendingRows(history.UserOrder)
	if pendingAfter != pendingBefore+1 {
		t.Errorf("order_history rows pushed by a partially-filled cancel = %d, want 1", pendingAfter-pendingBefore)
	}
}

// TestBalanceUpdateIsIdempotent: a repeated (user, asset, business,
// business_id) balance.update is rejected as a duplicate without touching
// state.
func TestBalanceUpdateIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	params := balanceUpdateParams{UserID: 7, Asset: "STK", Business: "deposit", BusinessID: "42", Change: "1.5"}

	if _, err := submit(t, e, wire.MethodBalanceUpdate, params); err != nil {
		t.Fatalf("first balance.update: %v", err)
	}
	avail, _ := e.ledger.Get(7, ledger.Available, "STK")
	if !avail.Equal(decimal.MustFromString("1.5")) {
		t.Fatalf("STK available after first update = %v, want 1.5", avail)
	}

	_, err := submit(t, e, wire.MethodBalanceUpdate, params)
	be, ok := bizerr.As(err)
	if !ok || be.Kind != bizerr.RepeatUpdate {
		t.Fatalf("second balance.update: got %v, want RepeatUpdate", err)
	}
	avail, _ = e.ledger.Get(7, ledger.Available, "STK")
	if !avail.Equal(decimal.MustFromString("1.5")) {
		t.Errorf("STK available after duplicate update = %v, want unchanged 1.5", avail)
	}
}

// TestAdmissionGateBlocksOnPendingOperlog: a mutating command is refused
// with ServiceUnavailable, without touching state, once the operlog queue
// is at its configured maximum.
func TestAdmissionGateBlocksOnPendingOperlog(t *testing.T) {
	e := newTestEngine(t)
	creditAvailable(t, e, 1, "STK", "10", "d1")

	e.operlog = operlog.NewWriter(nil, decimal.NewCounter(0), zap.NewNop().Sugar(), 1)
	e.operlog.Append(0, "noop", nil) // queue now at maxPending=1

	_, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 1, Side: "ask", Amount: "1", Price: "100",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	be, ok := bizerr.As(err)
	if !ok || be.Kind != bizerr.ServiceUnavailable {
		t.Fatalf("put_limit while operlog blocked: got %v, want ServiceUnavailable", err)
	}
	avail, _ := e.ledger.Get(1, ledger.Available, "STK")
	if !avail.Equal(decimal.MustFromString("10")) {
		t.Errorf("STK available after blocked command = %v, want unchanged 10", avail)
	}
}

type orderbookView struct {
	ID   uint64 `json:"id"`
	Left string `json:"left"`
}

func decodeView(t *testing.T, v any, out *orderbookView) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
}

// TestPartialFillChargesBothFees: a bid taker crossing a resting ask pays
// its taker fee on the stock it receives, while the maker pays its maker
// fee on the money it receives, and the maker's remainder stays on the book
// with freeze tracking left.
func TestPartialFillChargesBothFees(t *testing.T) {
	e := newTestEngine(t)
	creditAvailable(t, e, 1, "STK", "10", "d1")
	creditAvailable(t, e, 2, "MNY", "1000", "d2")

	var maker orderbookView
	raw, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 1, Side: "ask", Amount: "5", Price: "10",
		TakerFee: "0", MakerFee: "0.001", Source: "api",
	})
	if err != nil {
		t.Fatalf("maker put_limit: %v", err)
	}
	decodeView(t, raw, &maker)

	if _, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 2, Side: "bid", Amount: "3", Price: "10",
		TakerFee: "0.002", MakerFee: "0", Source: "api",
	}); err != nil {
		t.Fatalf("taker put_limit: %v", err)
	}

	checks := []struct {
		user  uint32
		kind  ledger.Kind
		asset string
		want  string
	}{
		{1, ledger.Available, "STK", "5"},
		{1, ledger.Frozen, "STK", "2"},
		{1, ledger.Available, "MNY", "29.97"}, // 30 money received minus 30×0.001 maker fee
		{2, ledger.Available, "MNY", "970"},
		{2, ledger.Available, "STK", "2.994"}, // 3 stock received minus 3×0.002 taker fee
	}
	for _, c := range checks {
		got, err := e.ledger.Get(c.user, c.kind, c.asset)
		if err != nil {
			t.Fatalf("Get(%d,%v,%s): %v", c.user, c.kind, c.asset, err)
		}
		if !got.Equal(decimal.MustFromString(c.want)) {
			t.Errorf("user %d %v %s = %s, want %s", c.user, c.kind, c.asset, got, c.want)
		}
	}

	o, ok := e.markets["STKMNY"].Order(maker.ID)
	if !ok {
		t.Fatal("maker order should still rest")
	}
	if !o.Left.Equal(decimal.MustFromString("2")) || !o.Freeze.Equal(decimal.MustFromString("2")) {
		t.Errorf("maker left=%s freeze=%s, want 2/2", o.Left, o.Freeze)
	}
	if !o.DealStock.Equal(decimal.MustFromString("3")) ||
		!o.DealMoney.Equal(decimal.MustFromString("30")) ||
		!o.DealFee.Equal(decimal.MustFromString("0.03")) {
		t.Errorf("maker deal_stock=%s deal_money=%s deal_fee=%s, want 3/30/0.03",
			o.DealStock, o.DealMoney, o.DealFee)
	}
}

// TestDepthCacheServesStaleWithinTimeout: within cache_timeout, a repeated
// order.depth with byte-identical params returns the cached reply even
// after the book changed; different params bypass the stale entry.
func TestDepthCacheServesStaleWithinTimeout(t *testing.T) {
	e := newTestEngine(t)
	creditAvailable(t, e, 1, "STK", "10", "d1")

	put := func(amount, price string) {
		t.Helper()
		if _, err := submit(t, e, wire.MethodOrderPutLimit, orderPutLimitParams{
			Market: "STKMNY", UserID: 1, Side: "ask", Amount: amount, Price: price,
			TakerFee: "0", MakerFee: "0", Source: "api",
		}); err != nil {
			t.Fatalf("put_limit %s@%s: %v", amount, price, err)
		}
	}
	depth := func(limit int) depthView {
		t.Helper()
		raw, err := submit(t, e, wire.MethodOrderDepth, orderDepthParams{Market: "STKMNY", Limit: limit})
		if err != nil {
			t.Fatalf("order.depth: %v", err)
		}
		b, _ := json.Marshal(raw)
		var v depthView
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("decode depth: %v", err)
		}
		return v
	}

	put("1", "100")
	first := depth(10)
	if len(first.Asks) != 1 {
		t.Fatalf("asks = %d, want 1", len(first.Asks))
	}

	put("1", "101")
	if cached := depth(10); len(cached.Asks) != 1 {
		t.Errorf("cached depth asks = %d, want stale 1 within cache_timeout", len(cached.Asks))
	}
	if fresh := depth(5); len(fresh.Asks) != 2 {
		t.Errorf("depth with different params asks = %d, want fresh 2", len(fresh.Asks))
	}
}

// TestDumpRestoreReproducesState: dump a slice mid-stream, keep trading,
// then bring up a second engine over the same store and replay the
// post-slice command tail. Ledger, books, and counters must come back
// exactly, and the replay itself must emit no history rows.
func TestDumpRestoreReproducesState(t *testing.T) {
	store, err := snapshot.Open(filepath.Join(t.TempDir(), "slices"))
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	defer store.Close()

	a := newTestEngineWithStore(t, store)
	creditAvailable(t, a, 1, "STK", "10", "d1")
	creditAvailable(t, a, 2, "MNY", "1000", "d2")

	var maker orderbookView
	raw, err := submit(t, a, wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 1, Side: "ask", Amount: "5", Price: "10",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	if err != nil {
		t.Fatalf("pre-slice put_limit: %v", err)
	}
	decodeView(t, raw, &maker)

	if err := a.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	// Post-slice tail, recorded the way the operlog would record it.
	type loggedCmd struct {
		method wire.Method
		params []byte
	}
	var tail []loggedCmd
	run := func(method wire.Method, p any) {
		t.Helper()
		b := mustJSON(t, p)
		if _, err := a.handle(method, b, true); err != nil {
			t.Fatalf("post-slice %s: %v", method, err)
		}
		tail = append(tail, loggedCmd{method, b})
	}
	run(wire.MethodBalanceUpdate, balanceUpdateParams{
		UserID: 3, Asset: "MNY", Business: "deposit", BusinessID: "d3", Change: "50",
	})
	run(wire.MethodOrderPutLimit, orderPutLimitParams{
		Market: "STKMNY", UserID: 2, Side: "bid", Amount: "3", Price: "10",
		TakerFee: "0", MakerFee: "0", Source: "api",
	})
	run(wire.MethodOrderCancel, orderCancelParams{Market: "STKMNY", UserID: 1, OrderID: maker.ID})

	wantBalances := a.ledger.Snapshot()
	wantOrderID, wantDealID := a.orderIDs.Last(), a.dealIDs.Last()
	wantOrders := make(map[uint64]orderbook.View)
	for _, o := range a.markets["STKMNY"].AllOrders() {
		wantOrders[o.ID] = o.View()
	}

	b := newTestEngineWithStore(t, store)
	err = b.Restore(func(lastOps uint64, apply func(method string, params []byte, id uint64) error) error {
		for i, c := range tail {
			if err := apply(string(c.method), c.params, lastOps+uint64(i)+1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	gotBalances := b.ledger.Snapshot()
	if len(gotBalances) != len(wantBalances) {
		t.Fatalf("restored ledger has %d entries, want %d", len(gotBalances), len(wantBalances))
	}
	for k, want := range wantBalances {
		got, ok := gotBalances[k]
		if !ok || !got.Equal(want) {
			t.Errorf("restored balance %+v = %v, want %v", k, got, want)
		}
	}

	gotOrders := b.markets["STKMNY"].AllOrders()
	if len(gotOrders) != len(wantOrders) {
		t.Fatalf("restored book has %d orders, want %d", len(gotOrders), len(wantOrders))
	}
	for _, o := range gotOrders {
		want, ok := wantOrders[o.ID]
		if !ok {
			t.Errorf("restored order %d not in live state", o.ID)
			continue
		}
		got := o.View()
		if got.UserID != want.UserID || got.Side != want.Side ||
			!got.Price.Equal(want.Price) || !got.Amount.Equal(want.Amount) ||
			!got.Left.Equal(want.Left) || !got.Freeze.Equal(want.Freeze) ||
			!got.DealStock.Equal(want.DealStock) || !got.DealMoney.Equal(want.DealMoney) {
			t.Errorf("restored order %d = %+v, want %+v", o.ID, got, want)
		}
	}

	if b.orderIDs.Last() != wantOrderID {
		t.Errorf("restored order_id = %d, want %d", b.orderIDs.Last(), wantOrderID)
	}
	if b.dealIDs.Last() != wantDealID {
		t.Errorf("restored deals_id = %d, want %d", b.dealIDs.Last(), wantDealID)
	}

	for _, stream := range []history.Stream{history.UserOrder, history.OrderDetail, history.OrderDeal, history.UserDeal, history.UserBalance} {
		if n := b.history.PendingRows(stream); n != 0 {
			t.Errorf("replay pushed %d rows to history stream %d, want 0", n, stream)
		}
	}
}
