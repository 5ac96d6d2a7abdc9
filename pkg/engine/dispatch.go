package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/vexchange/matchcore/pkg/bizerr"
	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/idempotency"
	"github.com/vexchange/matchcore/pkg/ledger"
	"github.com/vexchange/matchcore/pkg/orderbook"
	"github.com/vexchange/matchcore/pkg/util"
	"github.com/vexchange/matchcore/pkg/wire"
)

// handle is the run loop's single entry point for a dispatched command:
// admission gate, then execute, then — for a successful mutating live
// command — append to the operlog. Replay (real=false) goes straight
// through execute and never reaches here, so replay never re-appends.
func (e *Engine) handle(method wire.Method, params []byte, real bool) (any, error) {
	if real && method.Mutating() && e.blocked() {
		return nil, errServiceUnavailable
	}
	result, err := e.execute(method, params, real)
	if err != nil {
		return nil, err
	}
	if real && method.Mutating() {
		var raw any
		_ = json.Unmarshal(params, &raw)
		e.operlog.Append(e.nowSeconds(), string(method), raw)
	}
	return result, nil
}

// execute validates arguments against the registry and dispatches to the
// ledger/order books. It never partially mutates state on failure — a
// command either fully commits in memory or returns a business error
// before touching state — because every matching/ledger path below
// validates solvency and minimums before any Set/Add/Sub.
func (e *Engine) execute(method wire.Method, params []byte, real bool) (any, error) {
	switch method {
	case wire.MethodBalanceQuery:
		return e.doBalanceQuery(params)
	case wire.MethodBalanceUpdate:
		return e.doBalanceUpdate(params, real)
	case wire.MethodAssetList:
		return e.doAssetList()
	case wire.MethodAssetSummary:
		return e.doAssetSummary(params)
	case wire.MethodOrderPutLimit:
		return e.doPutLimit(params, real)
	case wire.MethodOrderPutMarket:
		return e.doPutMarket(params, real)
	case wire.MethodOrderQuery:
		return e.doOrderQuery(params)
	case wire.MethodOrderCancel:
		return e.doOrderCancel(params, real)
	case wire.MethodOrderBook:
		return e.doOrderBook(params)
	case wire.MethodOrderDepth:
		return e.doOrderDepth(params, real)
	case wire.MethodOrderDetail:
		return e.doOrderDetail(params)
	case wire.MethodMarketList:
		return e.doMarketList()
	case wire.MethodMarketSummary:
		return e.doMarketSummary(params)
	case wire.MethodBalanceList:
		return e.doBalanceList(params)
	case wire.MethodAdminStatus:
		return e.doAdminStatus()
	case wire.MethodAdminMakeSlice:
		return nil, e.Dump()
	default:
		return nil, bizerr.New(bizerr.InvalidArgument, fmt.Sprintf("engine: unknown method %q", method))
	}
}

func decodeParams(params []byte, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return bizerr.New(bizerr.InvalidArgument, "engine: malformed params: "+err.Error())
	}
	return nil
}

func parseDecimal(s, field string) (decimal.D, error) {
	d, err := decimal.FromString(s)
	if err != nil {
		return decimal.Zero, bizerr.New(bizerr.InvalidArgument, fmt.Sprintf("engine: invalid %s %q", field, s))
	}
	return d, nil
}

// validateFee bounds fee rates to [0, 1).
func validateFee(d decimal.D, field string) error {
	if d.IsNeg() || d.GreaterOrEqual(decimal.FromInt(1)) {
		return bizerr.New(bizerr.InvalidArgument, fmt.Sprintf("engine: %s must be in [0,1)", field))
	}
	return nil
}

func parseSide(s string) (orderbook.Side, error) {
	switch s {
	case "ask":
		return orderbook.Ask, nil
	case "bid":
		return orderbook.Bid, nil
	default:
		return 0, bizerr.New(bizerr.InvalidArgument, fmt.Sprintf("engine: invalid side %q", s))
	}
}

func (e *Engine) marketEngine(name string) (*orderbook.MarketEngine, error) {
	me, ok := e.markets[name]
	if !ok {
		return nil, bizerr.New(bizerr.InvalidArgument, fmt.Sprintf("engine: unknown market %q", name))
	}
	return me, nil
}

func (e *Engine) validateSource(source string) error {
	if e.cfg.SourceMaxLen > 0 && len(source) >= e.cfg.SourceMaxLen {
		return bizerr.New(bizerr.InvalidArgument, "engine: source exceeds SOURCE_MAX_LEN")
	}
	return nil
}

// ---- balance.* ----

func (e *Engine) doBalanceQuery(params []byte) (any, error) {
	var p balanceQueryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	avail, err := e.ledger.Get(p.UserID, ledger.Available, p.Asset)
	if err != nil {
		return nil, err
	}
	frozen, err := e.ledger.Get(p.UserID, ledger.Frozen, p.Asset)
	if err != nil {
		return nil, err
	}
	return balanceView{Available: avail.String(), Frozen: frozen.String()}, nil
}

func (e *Engine) doBalanceUpdate(params []byte, real bool) (any, error) {
	var p balanceUpdateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	change, err := parseDecimal(p.Change, "change")
	if err != nil {
		return nil, err
	}
	if change.IsZero() {
		return nil, bizerr.New(bizerr.InvalidArgument, "engine: change cannot be zero")
	}

	// TryRecord runs unconditionally, in both live and replay mode; only
	// the history/bus push is gated on real. Gating this on real would
	// leave the cache unpopulated across a restart's operlog replay,
	// letting a genuine post-restart duplicate retry double-apply.
	key := idempotency.Key{UserID: p.UserID, Asset: p.Asset, Business: p.Business, BusinessID: p.BusinessID}
	if e.idemp.TryRecord(key) == idempotency.Duplicate {
		return nil, bizerr.New(bizerr.RepeatUpdate, "engine: duplicate balance update")
	}

	var newAvail decimal.D
	if change.IsNeg() {
		newAvail, err = e.ledger.Sub(p.UserID, ledger.Available, p.Asset, change.Neg())
	} else {
		newAvail, err = e.ledger.Add(p.UserID, ledger.Available, p.Asset, change)
	}
	if err != nil {
		return nil, err
	}

	if real {
		e.OnBalanceDelta(p.UserID, p.Asset, p.Business, change)
	}
	return balanceView{Available: newAvail.String()}, nil
}

// ---- asset.* ----

func (e *Engine) doAssetList() (any, error) {
	assets := e.registry.Assets()
	out := make([]assetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, assetView{Name: a.Name, PrecSave: a.PrecSave, PrecShow: a.PrecShow})
	}
	return out, nil
}

func (e *Engine) doAssetSummary(params []byte) (any, error) {
	var p assetSummaryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	st, err := e.ledger.AssetStatus(p.Asset)
	if err != nil {
		return nil, err
	}
	return assetStatusView{
		Total:          st.Total.String(),
		AvailableCount: st.AvailableCount,
		AvailableSum:   st.AvailableSum.String(),
		FrozenCount:    st.FrozenCount,
		FrozenSum:      st.FrozenSum.String(),
	}, nil
}

// ---- order.put_limit / order.put_market / order.cancel ----

func (e *Engine) doPutLimit(params []byte, real bool) (any, error) {
	var p orderPutLimitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := e.validateSource(p.Source); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}
	amount, err := parseDecimal(p.Amount, "amount")
	if err != nil {
		return nil, err
	}
	price, err := parseDecimal(p.Price, "price")
	if err != nil {
		return nil, err
	}
	takerFee, err := parseDecimal(p.TakerFee, "taker_fee")
	if err != nil {
		return nil, err
	}
	makerFee, err := parseDecimal(p.MakerFee, "maker_fee")
	if err != nil {
		return nil, err
	}
	if err := validateFee(takerFee, "taker_fee"); err != nil {
		return nil, err
	}
	if err := validateFee(makerFee, "maker_fee"); err != nil {
		return nil, err
	}

	o, err := me.PutLimit(real, p.UserID, side, amount, price, takerFee, makerFee, p.Source)
	if err != nil {
		return nil, err
	}
	return o.View(), nil
}

func (e *Engine) doPutMarket(params []byte, real bool) (any, error) {
	var p orderPutMarketParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := e.validateSource(p.Source); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}
	amount, err := parseDecimal(p.Amount, "amount")
	if err != nil {
		return nil, err
	}
	takerFee, err := parseDecimal(p.TakerFee, "taker_fee")
	if err != nil {
		return nil, err
	}
	if err := validateFee(takerFee, "taker_fee"); err != nil {
		return nil, err
	}

	o, err := me.PutMarket(real, p.UserID, side, amount, takerFee, p.Source)
	if err != nil {
		return nil, err
	}
	return o.View(), nil
}

func (e *Engine) doOrderCancel(params []byte, real bool) (any, error) {
	var p orderCancelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	o, err := me.Cancel(real, p.UserID, p.OrderID)
	if err != nil {
		return nil, err
	}
	return o.View(), nil
}

// ---- order queries ----

func (e *Engine) doOrderQuery(params []byte) (any, error) {
	var p orderQueryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	orders := me.UserOrders(p.UserID)
	out := make([]orderbook.View, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.View())
	}
	return out, nil
}

func (e *Engine) doOrderDetail(params []byte) (any, error) {
	var p orderDetailParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	o, ok := me.Order(p.OrderID)
	if !ok {
		return nil, orderbook.ErrOrderNotFound
	}
	return o.View(), nil
}

func (e *Engine) doOrderBook(params []byte) (any, error) {
	var p orderBookParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	asks, bids := me.Book(p.Limit)
	return bookView{Asks: toViews(asks), Bids: toViews(bids)}, nil
}

func toViews(orders []*orderbook.Order) []any {
	out := make([]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.View())
	}
	return out
}

// doOrderDepth caches depth replies by (method, body_bytes) with a
// per-entry timeout (default 0.45s); the run loop's depthClear timer also
// clears the whole cache every 60s. Both lifetimes are deliberate and
// independent.
func (e *Engine) doOrderDepth(params []byte, real bool) (any, error) {
	if real && e.cfg.DepthCacheTimeout > 0 {
		key := depthKey{method: string(wire.MethodOrderDepth), body: string(params)}
		if entry, ok := e.depthCache[key]; ok && e.nowFn().Before(entry.expires) {
			util.DepthCacheHits.Inc()
			return entry.reply.Result, nil
		}
		util.DepthCacheMisses.Inc()
		result, err := e.computeDepth(params)
		if err != nil {
			return nil, err
		}
		e.depthCache[key] = depthEntry{
			reply:   wire.Reply{Result: result},
			expires: e.nowFn().Add(e.cfg.DepthCacheTimeout),
		}
		return result, nil
	}
	return e.computeDepth(params)
}

func (e *Engine) computeDepth(params []byte) (any, error) {
	var p orderDepthParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	interval := decimal.Zero
	if p.Interval != "" {
		interval, err = parseDecimal(p.Interval, "interval")
		if err != nil {
			return nil, err
		}
	}
	var asks, bids []orderbook.DepthLevel
	if interval.IsPos() {
		asks, bids = me.DepthMerged(p.Limit, interval)
	} else {
		asks, bids = me.Depth(p.Limit)
	}
	return depthView{Asks: depthLevelsToAny(asks), Bids: depthLevelsToAny(bids)}, nil
}

func depthLevelsToAny(levels []orderbook.DepthLevel) []any {
	out := make([]any, 0, len(levels))
	for _, l := range levels {
		out = append(out, l)
	}
	return out
}

// ---- market.* ----

func (e *Engine) doMarketList() (any, error) {
	markets := e.registry.Markets()
	out := make([]marketView, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketView{
			Name: m.Name, Stock: m.Stock, Money: m.Money,
			StockPrec: m.StockPrec, MoneyPrec: m.MoneyPrec, FeePrec: m.FeePrec,
			MinAmount: m.MinAmount,
		})
	}
	return out, nil
}

// ---- administrative ----

// doBalanceList scans the whole ledger and returns one row per (user,
// asset) with a nonzero balance, optionally filtered to one asset — the
// `balance list [asset]` admin CLI command.
func (e *Engine) doBalanceList(params []byte) (any, error) {
	var p balanceListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	type cell struct{ avail, frozen string }
	byUserAsset := make(map[[2]any]*cell)
	for k, v := range e.ledger.Snapshot() {
		if p.Asset != "" && k.Asset != p.Asset {
			continue
		}
		key := [2]any{k.UserID, k.Asset}
		c, ok := byUserAsset[key]
		if !ok {
			c = &cell{}
			byUserAsset[key] = c
		}
		if k.Kind == ledger.Available {
			c.avail = v.String()
		} else {
			c.frozen = v.String()
		}
	}

	out := make([]balanceListRow, 0, len(byUserAsset))
	for key, c := range byUserAsset {
		row := balanceListRow{UserID: key[0].(uint32), Asset: key[1].(string), Available: c.avail, Frozen: c.frozen}
		if row.Available == "" {
			row.Available = "0"
		}
		if row.Frozen == "" {
			row.Frozen = "0"
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

func (e *Engine) doAdminStatus() (any, error) {
	return statusView{
		Markets:        len(e.markets),
		Assets:         len(e.registry.Assets()),
		IdempRecords:   e.idemp.Len(),
		OperlogPending: e.operlog.Pending(),
		HistoryQueued:  e.history.Queued(),
	}, nil
}

func (e *Engine) doMarketSummary(params []byte) (any, error) {
	var p marketSummaryParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	me, err := e.marketEngine(p.Market)
	if err != nil {
		return nil, err
	}
	st := me.Status()
	return marketStatusView{
		AskCount: st.AskCount, AskAmountSum: st.AskAmountSum.String(),
		BidCount: st.BidCount, BidAmountSum: st.BidAmountSum.String(),
	}, nil
}
