package orderbook

import "github.com/vexchange/matchcore/pkg/decimal"

// DepthLevel is one aggregated price/amount pair in a depth reply.
type DepthLevel struct {
	Price  decimal.D `json:"price"`
	Amount decimal.D `json:"amount"`
}

// Status is the full-book summary: per-side order counts and open amount sums.
type Status struct {
	AskCount     int
	AskAmountSum decimal.D
	BidCount     int
	BidAmountSum decimal.D
}

// Depth returns up to limit price levels per side, best first. limit<=0
// means unlimited.
func (e *MarketEngine) Depth(limit int) (asks, bids []DepthLevel) {
	e.book.asks.depthLevels(limit, func(p, a decimal.D) {
		asks = append(asks, DepthLevel{Price: p, Amount: a})
	})
	e.book.bids.depthLevels(limit, func(p, a decimal.D) {
		bids = append(bids, DepthLevel{Price: p, Amount: a})
	})
	return asks, bids
}

// DepthMerged buckets resting orders onto a price grid of the given
// interval before aggregating: ask prices round up to the next grid line,
// bid prices round down, so neither side's merged view ever understates how
// far a taker must reach to cross.
func (e *MarketEngine) DepthMerged(limit int, interval decimal.D) (asks, bids []DepthLevel) {
	asks = mergeLevels(e.book.asks, limit, interval, true)
	bids = mergeLevels(e.book.bids, limit, interval, false)
	return asks, bids
}

func mergeLevels(s *side, limit int, interval decimal.D, roundUp bool) []DepthLevel {
	type bucket struct {
		price  decimal.D
		amount decimal.D
	}
	order := make([]decimal.D, 0)
	buckets := make(map[string]*bucket)

	s.ascend(func(o *Order) bool {
		bucketPrice := snapToGrid(o.Price, interval, roundUp)
		key := bucketPrice.String()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{price: bucketPrice}
			buckets[key] = b
			order = append(order, bucketPrice)
		}
		b.amount = b.amount.Add(o.Left)
		return true
	})

	out := make([]DepthLevel, 0, len(order))
	for _, p := range order {
		b := buckets[p.String()]
		out = append(out, DepthLevel{Price: b.price, Amount: b.amount})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// snapToGrid rounds price to the nearest multiple of interval, up for asks
// and down for bids.
func snapToGrid(price, interval decimal.D, roundUp bool) decimal.D {
	if interval.IsZero() {
		return price
	}
	q := price.DivFloor(interval, 0)
	snapped := q.Mul(interval)
	if roundUp && snapped.LessThan(price) {
		snapped = snapped.Add(interval)
	}
	return snapped
}

// Book returns up to limit individual resting orders per side, best first
// (the raw per-order view behind the order.book command, as opposed to
// Depth's price-aggregated view).
func (e *MarketEngine) Book(limit int) (asks, bids []*Order) {
	asks = collectOrders(e.book.asks, limit)
	bids = collectOrders(e.book.bids, limit)
	return asks, bids
}

func collectOrders(s *side, limit int) []*Order {
	var out []*Order
	s.ascend(func(o *Order) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		out = append(out, o)
		return true
	})
	return out
}

// Status reports counts and amount sums of resting orders
// on each side.
func (e *MarketEngine) Status() Status {
	var st Status
	e.book.asks.ascend(func(o *Order) bool {
		st.AskCount++
		st.AskAmountSum = st.AskAmountSum.Add(o.Left)
		return true
	})
	e.book.bids.ascend(func(o *Order) bool {
		st.BidCount++
		st.BidAmountSum = st.BidAmountSum.Add(o.Left)
		return true
	})
	return st
}
