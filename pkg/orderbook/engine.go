package orderbook

import (
	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/ledger"
	"github.com/vexchange/matchcore/pkg/market"
)

// MarketEngine owns one market's book and drives its matching algorithm.
// It shares the ledger and the global id counters with every
// other market's engine — order and deal ids are strictly monotonic across
// the whole exchange, not per-market, so the counters are injected as
// shared pointers by the owning Engine rather than created here.
type MarketEngine struct {
	Market *market.Market
	book   *book

	ledger    *ledger.Ledger
	sink      Sink
	orderIDs  *decimal.Counter
	dealIDs   *decimal.Counter
	minAmount decimal.D
	now       func() float64
}

// NewMarketEngine builds the engine for one market. orderIDs and dealIDs
// must be shared across every market on the exchange; now returns the
// current wall-clock time in fractional seconds.
func NewMarketEngine(m *market.Market, l *ledger.Ledger, sink Sink, orderIDs, dealIDs *decimal.Counter, now func() float64) (*MarketEngine, error) {
	minAmount, err := decimal.FromString(m.MinAmount)
	if err != nil {
		return nil, err
	}
	return &MarketEngine{
		Market:    m,
		book:      newBook(m.StockPrec, m.MoneyPrec),
		ledger:    l,
		sink:      sink,
		orderIDs:  orderIDs,
		dealIDs:   dealIDs,
		minAmount: minAmount,
		now:       now,
	}, nil
}

func (e *MarketEngine) giveAsset(s Side) string {
	if s == Ask {
		return e.Market.Stock
	}
	return e.Market.Money
}

func (e *MarketEngine) receiveAsset(s Side) string {
	if s == Ask {
		return e.Market.Money
	}
	return e.Market.Stock
}

// crosses reports whether taker and the opposite book's best maker can
// trade: an ask crosses at taker.price ≤ maker.price, a bid at
// taker.price ≥ maker.price.
func crosses(taker, maker *Order) bool {
	if taker.Side == Ask {
		return taker.Price.LessOrEqual(maker.Price)
	}
	return taker.Price.GreaterOrEqual(maker.Price)
}

// Order looks up a resting order by id.
func (e *MarketEngine) Order(id uint64) (*Order, bool) { return e.book.Order(id) }

// UserOrders lists the user's resting orders in this market.
func (e *MarketEngine) UserOrders(u uint32) []*Order { return e.book.UserOrders(u) }

// AllOrders returns every resting order in this market, for the snapshot
// dump.
func (e *MarketEngine) AllOrders() []*Order {
	out := make([]*Order, 0, len(e.book.orders))
	for _, o := range e.book.orders {
		out = append(out, o)
	}
	return out
}

// RestoreOrder re-inserts a resting order loaded from a slice_order_<ts>
// row. The ledger's frozen bucket is restored
// separately from slice_balance_<ts>, so this only rebuilds the book/id/user
// indices — it must not freeze balance again.
func (e *MarketEngine) RestoreOrder(o *Order) {
	e.book.rest(o)
}

// PutLimit places a limit order: match against the opposite book from the
// head, then rest whatever is left.
func (e *MarketEngine) PutLimit(real bool, userID uint32, side Side, amount, price, takerFee, makerFee decimal.D, source string) (*Order, error) {
	if amount.LessThan(e.minAmount) {
		return nil, ErrAmountTooSmall
	}
	if side == Ask {
		avail, err := e.ledger.Get(userID, ledger.Available, e.Market.Stock)
		if err != nil {
			return nil, err
		}
		if avail.LessThan(amount) {
			return nil, ErrInsufficientBalance
		}
	} else {
		need := price.Mul(amount)
		avail, err := e.ledger.Get(userID, ledger.Available, e.Market.Money)
		if err != nil {
			return nil, err
		}
		if avail.LessThan(need) {
			return nil, ErrInsufficientBalance
		}
	}

	now := e.now()
	taker := &Order{
		ID: e.orderIDs.Next(), CreateTime: now, UpdateTime: now,
		UserID: userID, Market: e.Market.Name, Source: source,
		Kind: Limit, Side: side,
		Price: price, Amount: amount, TakerFee: takerFee, MakerFee: makerFee,
		Left: amount,
	}

	opposite := e.book.sideFor(side.Opposite())
	for taker.Left.IsPos() && !opposite.empty() {
		lv, _ := opposite.best()
		maker := lv.orders[0]
		if !crosses(taker, maker) {
			break
		}
		execAmount := decimal.Min(taker.Left, maker.Left)
		e.executeAt(real, taker, maker, maker.Price, execAmount)
		if !maker.Resting() {
			e.closeMatched(real, maker)
		} else if real {
			e.sink.OnOrder(EventUpdate, maker)
		}
	}

	if !taker.Resting() {
		if real {
			e.sink.OnOrder(EventFinish, taker)
		}
		return taker, nil
	}

	e.restOrder(taker)
	if real {
		e.sink.OnOrder(EventPut, taker)
	}
	return taker, nil
}

// restOrder freezes the resting
// amount and insert into every index.
func (e *MarketEngine) restOrder(o *Order) {
	if o.Side == Ask {
		o.Freeze = o.Left
		e.ledger.Freeze(o.UserID, e.Market.Stock, o.Freeze) //nolint:errcheck // solvency already verified
	} else {
		o.Freeze = o.Price.Mul(o.Left)
		e.ledger.Freeze(o.UserID, e.Market.Money, o.Freeze) //nolint:errcheck
	}
	e.book.rest(o)
}

// closeMatched finishes a maker whose left reached zero inside the match
// loop: its freeze is already zero by
// invariant, so only index detachment and the FINISH event remain.
func (e *MarketEngine) closeMatched(real bool, o *Order) {
	e.book.detach(o)
	if real {
		e.sink.OnOrder(EventFinish, o)
	}
}

// balanceDelta is one non-zero balance change produced by a fill, queued by
// settle and emitted by executeAt as a balance_history row only, never as a
// `balances` bus message (only the balance.update command path pushes that
// message, not trade settlement).
type balanceDelta struct {
	userID   uint32
	asset    string
	business string
	change   decimal.D
}

// settle applies one side's balance deltas for a fill and returns the fee it
// paid (in its received asset) plus every non-zero delta it produced, for
// the caller to emit as balance_history rows after the deal is recorded. A
// resting maker gives from Frozen; a taker (never yet rested) gives from
// Available, which the entry solvency check already covered.
func (e *MarketEngine) settle(o *Order, isMaker bool, execAmount, execMoney decimal.D) (decimal.D, []balanceDelta) {
	give, receive := e.giveAsset(o.Side), e.receiveAsset(o.Side)
	var giveAmt, receiveAmt decimal.D
	if o.Side == Ask {
		giveAmt, receiveAmt = execAmount, execMoney
	} else {
		giveAmt, receiveAmt = execMoney, execAmount
	}

	var deltas []balanceDelta
	if isMaker {
		e.ledger.Sub(o.UserID, ledger.Frozen, give, giveAmt) //nolint:errcheck // invariant: freeze covers Left
	} else {
		e.ledger.Sub(o.UserID, ledger.Available, give, giveAmt) //nolint:errcheck // solvency checked at order entry
	}
	deltas = append(deltas, balanceDelta{o.UserID, give, "trade", giveAmt.Neg()})

	e.ledger.Add(o.UserID, ledger.Available, receive, receiveAmt) //nolint:errcheck
	deltas = append(deltas, balanceDelta{o.UserID, receive, "trade", receiveAmt})

	rate := o.MakerFee
	if !isMaker {
		rate = o.TakerFee
	}
	fee := receiveAmt.Mul(rate)
	if fee.IsPos() {
		e.ledger.Sub(o.UserID, ledger.Available, receive, fee) //nolint:errcheck
		o.DealFee = o.DealFee.Add(fee)
		deltas = append(deltas, balanceDelta{o.UserID, receive, "trade_fee", fee.Neg()})
	}
	return fee, deltas
}

// PutMarket places a market order. Rejection order matters: balance check
// first, then opposite-book-empty (NoCounterparty), then amount-too-small —
// an insolvent user must see InsufficientBalance even against an empty
// opposite book.
func (e *MarketEngine) PutMarket(real bool, userID uint32, side Side, amount, takerFee decimal.D, source string) (*Order, error) {
	opposite := e.book.sideFor(side.Opposite())
	if side == Ask {
		avail, err := e.ledger.Get(userID, ledger.Available, e.Market.Stock)
		if err != nil {
			return nil, err
		}
		if avail.LessThan(amount) {
			return nil, ErrInsufficientBalance
		}
		if opposite.empty() {
			return nil, ErrNoCounterparty
		}
		if amount.LessThan(e.minAmount) {
			return nil, ErrAmountTooSmall
		}
	} else {
		avail, err := e.ledger.Get(userID, ledger.Available, e.Market.Money)
		if err != nil {
			return nil, err
		}
		if avail.LessThan(amount) {
			return nil, ErrInsufficientBalance
		}
		if opposite.empty() {
			return nil, ErrNoCounterparty
		}
		bestAsk, _ := opposite.best()
		if amount.LessThan(bestAsk.price.Mul(e.minAmount)) {
			return nil, ErrAmountTooSmall
		}
	}

	now := e.now()
	taker := &Order{
		ID: e.orderIDs.Next(), CreateTime: now, UpdateTime: now,
		UserID: userID, Market: e.Market.Name, Source: source,
		Kind: Market, Side: side,
		Price: decimal.Zero, Amount: amount, TakerFee: takerFee, MakerFee: decimal.Zero,
		Left: amount,
	}

	for taker.Left.IsPos() && !opposite.empty() {
		lv, _ := opposite.best()
		maker := lv.orders[0]

		var execAmount decimal.D
		if side == Ask {
			execAmount = decimal.Min(taker.Left, maker.Left)
		} else {
			execAmount = e.marketBidExecAmount(taker.Left, maker)
			if execAmount.IsZero() {
				break
			}
		}
		e.executeAt(real, taker, maker, maker.Price, execAmount)
		if !maker.Resting() {
			e.closeMatched(real, maker)
		} else if real {
			e.sink.OnOrder(EventUpdate, maker)
		}
	}

	if real {
		e.sink.OnOrder(EventFinish, taker)
	}
	return taker, nil
}

// marketBidExecAmount computes how much stock a market bid can take from
// maker without overspending its remaining money:
// floor taker.left/maker.price to stock precision, then back off by one ULP
// until the resulting money cost no longer exceeds taker.left (bounded:
// each step removes exactly one ULP of stock, so it terminates within
// taker.left/ULP steps, and the loop only runs while a genuine rounding
// remainder exists).
func (e *MarketEngine) marketBidExecAmount(takerLeft decimal.D, maker *Order) decimal.D {
	execAmount := takerLeft.DivFloor(maker.Price, e.Market.StockPrec)
	if execAmount.GreaterThan(maker.Left) {
		execAmount = maker.Left
	}
	ulp := decimal.ULP(e.Market.StockPrec)
	for execAmount.IsPos() && maker.Price.Mul(execAmount).GreaterThan(takerLeft) {
		execAmount = execAmount.Sub(ulp)
	}
	return execAmount
}

// executeAt applies one fill of an explicit execAmount at execPrice, needed
// for the market-bid rounding path where execAmount isn't simply
// min(Left, Left).
func (e *MarketEngine) executeAt(real bool, taker, maker *Order, execPrice, execAmount decimal.D) {
	execMoney := execPrice.Mul(execAmount)

	if taker.Kind == Market && taker.Side == Bid {
		// a market bid's left is denominated in money
		taker.Left = taker.Left.Sub(execMoney)
	} else {
		taker.Left = taker.Left.Sub(execAmount)
	}
	maker.Left = maker.Left.Sub(execAmount)
	taker.DealStock = taker.DealStock.Add(execAmount)
	taker.DealMoney = taker.DealMoney.Add(execMoney)
	maker.DealStock = maker.DealStock.Add(execAmount)
	maker.DealMoney = maker.DealMoney.Add(execMoney)
	taker.UpdateTime = e.now()
	maker.UpdateTime = taker.UpdateTime

	if maker.Side == Ask {
		maker.Freeze = maker.Left
	} else {
		maker.Freeze = maker.Price.Mul(maker.Left)
	}

	takerFee, takerDeltas := e.settle(taker, false, execAmount, execMoney)
	makerFee, makerDeltas := e.settle(maker, true, execAmount, execMoney)

	dealID := e.dealIDs.Next()
	if real {
		var askFee, bidFee decimal.D
		var askID, bidID uint64
		var askUser, bidUser uint32
		if taker.Side == Ask {
			askFee, bidFee = takerFee, makerFee
			askID, bidID = taker.ID, maker.ID
			askUser, bidUser = taker.UserID, maker.UserID
		} else {
			askFee, bidFee = makerFee, takerFee
			askID, bidID = maker.ID, taker.ID
			askUser, bidUser = maker.UserID, taker.UserID
		}
		e.sink.OnDeal(Deal{
			ID: dealID, Time: taker.UpdateTime, Market: e.Market.Name,
			Stock: e.Market.Stock, Money: e.Market.Money,
			AskID: askID, BidID: bidID, AskUser: askUser, BidUser: bidUser,
			Price: execPrice, Amount: execAmount, AskFee: askFee, BidFee: bidFee,
			TakerSide: taker.Side,
		})
		// balance_history rows for every non-zero delta, emitted after the
		// deal itself (per-fill event order: deal_history, user_deal_history,
		// balance_history) and never as a `balances` bus message — trade
		// settlement only pushes the deals message.
		for _, d := range takerDeltas {
			e.sink.OnTradeBalance(d.userID, d.asset, d.business, d.change)
		}
		for _, d := range makerDeltas {
			e.sink.OnTradeBalance(d.userID, d.asset, d.business, d.change)
		}
	}
}

// Cancel detaches a resting order and unfreezes whatever it still holds.
func (e *MarketEngine) Cancel(real bool, userID uint32, orderID uint64) (*Order, error) {
	o, ok := e.book.Order(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, ErrUserMismatch
	}
	if real {
		e.sink.OnOrder(EventFinish, o)
	}
	asset := e.giveAsset(o.Side)
	if o.Freeze.IsPos() {
		e.ledger.Unfreeze(o.UserID, asset, o.Freeze) //nolint:errcheck // invariant: freeze never exceeds the frozen bucket
	}
	e.book.detach(o)
	return o, nil
}
