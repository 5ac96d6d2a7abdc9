// Package engine implements the command dispatcher: the single
// authoritative owner of every market's order book, the ledger, the id
// counters, and the admission-controlled off-loop workers (operlog,
// history, bus). One goroutine owns all mutable state; every external
// request is funneled through a command channel rather than touching that
// state directly.
package engine

import (
	"fmt"
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
	"github.com/vexchange/matchcore/pkg/util"
	"github.com/vexchange/matchcore/pkg/wire"
)

// Config carries the dispatcher's admission thresholds and timer
// intervals, sourced from params.Config.
type Config struct {
	SourceMaxLen      int
	DepthCacheTimeout time.Duration
	SliceInterval     time.Duration
	SliceKeepTime     time.Duration
}

// Engine owns the ledger, the registry, one MarketEngine per market, and
// the idempotency cache, and drives the off-loop workers' admission
// checks. It implements orderbook.Sink so every market's fills flow back
// through one fan-out point instead of each subsystem calling the API
// layer directly.
type Engine struct {
	cfg Config
	log *zap.SugaredLogger

	registry *market.Registry
	ledger   *ledger.Ledger
	markets  map[string]*orderbook.MarketEngine

	orderIDs *decimal.Counter
	dealIDs  *decimal.Counter

	idemp   *idempotency.Cache
	operlog *operlog.Writer
	history *history.Emitter
	busEmit *bus.Emitter
	hub     *bus.Hub
	slices  *snapshot.Store

	nowFn func() time.Time

	depthCache map[depthKey]depthEntry
	lastSlice  int64

	jobs chan job
	stop chan struct{}
	done chan struct{}
}

type job struct {
	method  wire.Method
	params  []byte
	real    bool
	reqID   uint64
	replyCh chan wire.Reply
}

type depthKey struct {
	method string
	body   string
}

type depthEntry struct {
	reply   wire.Reply
	expires time.Time
}

// New wires the subsystems together. orderIDs/dealIDs are shared across
// every market; operlog/history/bus must already be constructed
// (params.Config owns their DSNs/worker counts) but not yet started.
func New(cfg Config, reg *market.Registry, led *ledger.Ledger, orderIDs, dealIDs *decimal.Counter,
	idemp *idempotency.Cache, ol *operlog.Writer, he *history.Emitter, be *bus.Emitter, hub *bus.Hub,
	slices *snapshot.Store, nowFn func() time.Time, log *zap.SugaredLogger) *Engine {

	e := &Engine{
		cfg: cfg, log: log,
		registry: reg, ledger: led,
		markets:    make(map[string]*orderbook.MarketEngine),
		orderIDs:   orderIDs, dealIDs: dealIDs,
		idemp: idemp, operlog: ol, history: he, busEmit: be, hub: hub, slices: slices,
		nowFn:      nowFn,
		depthCache: make(map[depthKey]depthEntry),
		jobs:       make(chan job, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, m := range reg.Markets() {
		me, err := orderbook.NewMarketEngine(m, led, e, orderIDs, dealIDs, e.nowSeconds)
		if err != nil {
			log.Fatalw("market_engine_init_failed", "market", m.Name, "err", err)
		}
		e.markets[m.Name] = me
	}
	return e
}

func (e *Engine) nowSeconds() float64 {
	return float64(e.nowFn().UnixNano()) / 1e9
}

// ---- orderbook.Sink ----

func (e *Engine) OnOrder(kind orderbook.EventKind, o *orderbook.Order) {
	m, ok := e.registry.GetMarket(o.Market)
	if !ok {
		return
	}
	// order_history is an append-on-close log: only a FINISH with at
	// least one fill gets a row, so the cancel of a never-filled order
	// leaves no trace there. order_detail is a per-transition audit trail
	// and is unconditional.
	if kind == orderbook.EventFinish && o.DealStock.IsPos() {
		e.history.Push(history.Row{Stream: history.UserOrder, Partition: uint64(o.UserID),
			Values: []any{o.ID, o.UserID, o.Market, int8(o.Side), o.Price, o.Amount, o.CreateTime}})
	}
	e.history.Push(history.Row{Stream: history.OrderDetail, Partition: o.ID,
		Values: []any{o.ID, o.Market, orderDetailJSON(o), o.UpdateTime}})
	e.busEmit.Publish(bus.Orders, struct {
		Event int            `json:"event"`
		Order orderbook.View `json:"order"`
		Stock string         `json:"stock"`
		Money string         `json:"money"`
	}{int(kind), o.View(), m.Stock, m.Money})
}

func (e *Engine) OnDeal(d orderbook.Deal) {
	util.TradesMatched.Inc()
	e.history.Push(history.Row{Stream: history.OrderDeal, Partition: d.ID,
		Values: []any{d.ID, d.AskID, d.BidID, d.Market, d.Price, d.Amount, d.Time}})
	e.history.Push(history.Row{Stream: history.UserDeal, Partition: uint64(d.AskUser),
		Values: []any{d.ID, d.AskUser, d.AskID, d.Market, "ask", d.Price, d.Amount, d.AskFee, d.Time}})
	e.history.Push(history.Row{Stream: history.UserDeal, Partition: uint64(d.BidUser),
		Values: []any{d.ID, d.BidUser, d.BidID, d.Market, "bid", d.Price, d.Amount, d.BidFee, d.Time}})
	e.busEmit.Publish(bus.Deals, []any{
		d.Time, d.Market, d.AskID, d.BidID, d.AskUser, d.BidUser,
		d.Price, d.Amount, d.AskFee, d.BidFee, int8(d.TakerSide), d.ID, d.Stock, d.Money,
	})
}

// OnBalanceDelta backs the balance.update command path: a balance_history
// row plus a `balances` bus message.
func (e *Engine) OnBalanceDelta(userID uint32, asset, business string, change decimal.D) {
	now := e.nowSeconds()
	e.history.Push(history.Row{Stream: history.UserBalance, Partition: uint64(userID),
		Values: []any{userID, asset, business, change, now}})
	e.busEmit.Publish(bus.Balances, []any{now, userID, asset, business, change})
}

// OnTradeBalance implements orderbook.Sink's trade-settlement leg: a
// balance_history row only, with no `balances` bus message — trade fills
// only ever push the `deals` message, never a balances one.
func (e *Engine) OnTradeBalance(userID uint32, asset, business string, change decimal.D) {
	now := e.nowSeconds()
	e.history.Push(history.Row{Stream: history.UserBalance, Partition: uint64(userID),
		Values: []any{userID, asset, business, change, now}})
}

func orderDetailJSON(o *orderbook.Order) string {
	return fmt.Sprintf(`{"id":%d,"left":%q,"deal_stock":%q,"deal_money":%q,"deal_fee":%q}`,
		o.ID, o.Left.String(), o.DealStock.String(), o.DealMoney.String(), o.DealFee.String())
}

// ---- admission gate ----

// blocked is the admission gate: any saturated downstream queue refuses
// every mutating command.
func (e *Engine) blocked() bool {
	return e.operlog.Blocked() || e.history.Blocked() || e.busEmit.Blocked()
}

var errServiceUnavailable = bizerr.New(bizerr.ServiceUnavailable, "engine: admission gate blocked")

// ---- restore ----

// Restore runs the startup sequence before the engine accepts requests:
// load the latest slice, then replay the operlog tail in replay mode.
func (e *Engine) Restore(replayTail func(lastOps uint64, apply func(method string, params []byte, id uint64) error) error) error {
	h, ok, err := e.slices.LatestHistory()
	if err != nil {
		return fmt.Errorf("engine: restore read slice_history: %w", err)
	}
	// Mutate the existing counters in place rather than replacing the
	// pointer: every MarketEngine was constructed holding this same
	// *Counter (counters are global across the whole exchange),
	// so a reassignment here would leave them allocating from a stale,
	// unrestored copy.
	e.orderIDs.Reset(h.OrderID)
	e.dealIDs.Reset(h.DealsID)
	e.lastSlice = h.Ts

	if ok && h.Ts > 0 {
		balRows, err := e.slices.LoadBalances(h.Ts)
		if err != nil {
			return fmt.Errorf("engine: restore load balances: %w", err)
		}
		balances := make(map[ledger.Key]decimal.D, len(balRows))
		for _, r := range balRows {
			balances[ledger.Key{UserID: r.UserID, Kind: r.Kind, Asset: r.Asset}] = r.Balance
		}
		e.ledger.Restore(balances)

		rows, err := e.slices.LoadOrders(h.Ts)
		if err != nil {
			return fmt.Errorf("engine: restore load orders: %w", err)
		}
		for _, r := range rows {
			me, ok := e.markets[r.Market]
			if ok {
				me.RestoreOrder(&orderbook.Order{
					ID: r.ID, CreateTime: r.CreateTime, UpdateTime: r.UpdateTime,
					UserID: r.UserID, Market: r.Market, Source: r.Source,
					Kind: r.Kind, Side: r.Side,
					Price: r.Price, Amount: r.Amount, TakerFee: r.TakerFee, MakerFee: r.MakerFee,
					Left: r.Left, Freeze: r.Freeze,
					DealStock: r.DealStock, DealMoney: r.DealMoney, DealFee: r.DealFee,
				})
			}
		}
	}

	if replayTail == nil {
		return nil
	}
	return replayTail(h.OperlogID, func(method string, params []byte, id uint64) error {
		_, err := e.dispatchReplay(wire.Method(method), params)
		return err
	})
}

func (e *Engine) dispatchReplay(method wire.Method, params []byte) (any, error) {
	return e.execute(method, params, false)
}

// Dump writes one snapshot slice. It runs inline on the loop goroutine
// between commands, reading a point-in-time copy of the ledger and every
// market's resting orders; nothing else mutates that state concurrently,
// so the slice reflects a single instant.
func (e *Engine) Dump() error {
	ts := e.nowFn().Unix()
	var orderRows []snapshot.OrderRow
	for _, me := range e.markets {
		for _, o := range me.AllOrders() {
			orderRows = append(orderRows, snapshot.OrderRow{
				Market: o.Market, ID: o.ID, Kind: o.Kind, Side: o.Side,
				CreateTime: o.CreateTime, UpdateTime: o.UpdateTime, UserID: o.UserID,
				Price: o.Price, Amount: o.Amount, TakerFee: o.TakerFee, MakerFee: o.MakerFee,
				Left: o.Left, Freeze: o.Freeze,
				DealStock: o.DealStock, DealMoney: o.DealMoney, DealFee: o.DealFee, Source: o.Source,
			})
		}
	}
	var balRows []snapshot.BalanceRow
	for k, v := range e.ledger.Snapshot() {
		balRows = append(balRows, snapshot.BalanceRow{UserID: k.UserID, Asset: k.Asset, Kind: k.Kind, Balance: v})
	}
	if err := e.slices.PutOrders(ts, orderRows); err != nil {
		return err
	}
	if err := e.slices.PutBalances(ts, balRows); err != nil {
		return err
	}
	if err := e.slices.PutHistory(ts, snapshot.History{
		Ts: ts, OperlogID: e.lastOperlogID(), OrderID: e.orderIDs.Last(), DealsID: e.dealIDs.Last(),
	}); err != nil {
		return err
	}
	e.lastSlice = ts
	if e.cfg.SliceKeepTime > 0 {
		cutoff := ts - int64(e.cfg.SliceKeepTime/time.Second)
		if err := e.slices.DeleteOlderThan(cutoff, ts); err != nil {
			e.log.Warnw("slice_gc_failed", "err", err)
		}
	}
	return nil
}

func (e *Engine) lastOperlogID() uint64 { return e.operlog.LastID() }

// ---- run loop ----

// Start launches the off-loop workers and the event loop goroutine.
func (e *Engine) Start() error {
	go e.operlog.Run()
	if err := e.history.Start(); err != nil {
		return err
	}
	go e.hub.Run()
	go e.run()
	return nil
}

func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
	e.operlog.Stop()
	e.history.Stop()
}

// run is the single-threaded event loop: it drains the command channel
// and dispatches timer callbacks, all on this one goroutine, so every
// piece of authoritative state it touches needs no lock.
func (e *Engine) run() {
	defer close(e.done)

	busDrain := time.NewTicker(100 * time.Millisecond)
	depthClear := time.NewTicker(60 * time.Second)
	idempSweep := time.NewTicker(60 * time.Second)
	sliceCheck := time.NewTicker(1 * time.Second)
	metricsTick := time.NewTicker(1300 * time.Millisecond)
	defer busDrain.Stop()
	defer depthClear.Stop()
	defer idempSweep.Stop()
	defer sliceCheck.Stop()
	defer metricsTick.Stop()

	for {
		select {
		case <-e.stop:
			return
		case j := <-e.jobs:
			result, err := e.handle(j.method, j.params, j.real)
			if err != nil {
				j.replyCh <- wire.ErrorReply(j.reqID, err)
			} else {
				j.replyCh <- wire.OkReply(j.reqID, result)
			}
		case <-busDrain.C:
			// bus overflow buffers are loop-owned state, so their 100ms
			// drain runs here, not on a bus-side goroutine.
			e.busEmit.Drain()
		case <-depthClear.C:
			e.depthCache = make(map[depthKey]depthEntry)
		case <-idempSweep.C:
			e.idemp.Sweep()
		case <-metricsTick.C:
			util.OperlogPending.Set(float64(e.operlog.Pending()))
			util.HistoryQueued.Set(float64(e.history.Queued()))
			util.BusBufferDepth.WithLabelValues(string(bus.Balances)).Set(float64(e.busEmit.BufferDepth(bus.Balances)))
			util.BusBufferDepth.WithLabelValues(string(bus.Orders)).Set(float64(e.busEmit.BufferDepth(bus.Orders)))
			util.BusBufferDepth.WithLabelValues(string(bus.Deals)).Set(float64(e.busEmit.BufferDepth(bus.Deals)))
		case <-sliceCheck.C:
			if e.cfg.SliceInterval <= 0 {
				continue
			}
			now := e.nowFn().Unix()
			interval := int64(e.cfg.SliceInterval / time.Second)
			// the window is several ticks wide; lastSlice keeps one check
			// from dumping more than once per window.
			if now%interval <= 5 && now-e.lastSlice > 5 {
				if err := e.Dump(); err != nil {
					e.log.Errorw("snapshot_dump_failed", "err", err)
				}
			}
		}
	}
}

// Submit hands one command to the event loop and blocks for its reply; this
// is the only entry point external transports (pkg/api) use.
func (e *Engine) Submit(method wire.Method, reqID uint64, params []byte) wire.Reply {
	replyCh := make(chan wire.Reply, 1)
	e.jobs <- job{method: method, params: params, real: true, reqID: reqID, replyCh: replyCh}
	return <-replyCh
}
