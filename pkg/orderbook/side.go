package orderbook

import (
	"github.com/google/btree"

	"github.com/vexchange/matchcore/pkg/decimal"
)

// level is one price level of a book: a price plus the FIFO queue of orders
// resting at it, in time priority (oldest first).
type level struct {
	price  decimal.D
	orders []*Order
}

// priceKey renders a price to a canonical string at the book's precision so
// it is safe to use as a map key: shopspring/decimal values holding the same
// numeric value can differ in internal representation (scale, backing
// big.Int), so raw struct equality is not reliable for map lookups.
func priceKey(p decimal.D, prec int32) string {
	return p.Rescale(prec).String()
}

// side is one half of a market's book (all asks, or all bids), ordered by
// price-time priority: asks ascending by price, bids descending, ties
// broken by arrival (FIFO order within a level preserves time priority;
// cross-level ties don't arise since prices differ across levels).
//
// A binary heap would give best-price tracking (O(1) peek, O(log n) push,
// O(n) remove-by-value). google/btree's BTreeG gives the same O(log n)
// insert/remove while also supporting ordered iteration across every
// level, which a heap can't do and depth queries need.
type side struct {
	kind Side
	prec int32
	tree *btree.BTreeG[*level]
	byID map[string]*level
}

func newSide(kind Side, prec int32) *side {
	var less btree.LessFunc[*level]
	if kind == Ask {
		less = func(a, b *level) bool { return a.price.LessThan(b.price) }
	} else {
		less = func(a, b *level) bool { return a.price.GreaterThan(b.price) }
	}
	return &side{
		kind: kind,
		prec: prec,
		tree: btree.NewG(32, less),
		byID: make(map[string]*level),
	}
}

func (s *side) empty() bool { return s.tree.Len() == 0 }

// best returns the level with matching priority (lowest price for asks,
// highest for bids).
func (s *side) best() (*level, bool) {
	return s.tree.Min()
}

// insert appends o to its price level's FIFO queue, creating the level if
// necessary.
func (s *side) insert(o *Order) {
	key := priceKey(o.Price, s.prec)
	lv, ok := s.byID[key]
	if !ok {
		lv = &level{price: o.Price.Rescale(s.prec)}
		s.byID[key] = lv
		s.tree.ReplaceOrInsert(lv)
	}
	lv.orders = append(lv.orders, o)
}

// remove detaches o from its price level's FIFO queue, dropping the level
// from the tree once it is empty. Reports whether o was found.
func (s *side) remove(o *Order) bool {
	key := priceKey(o.Price, s.prec)
	lv, ok := s.byID[key]
	if !ok {
		return false
	}
	for i, other := range lv.orders {
		if other.ID == o.ID {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			if len(lv.orders) == 0 {
				delete(s.byID, key)
				s.tree.Delete(lv)
			}
			return true
		}
	}
	return false
}

// ascend walks every level in priority order (best first), calling fn for
// each resting order within it in time priority, until fn returns false.
func (s *side) ascend(fn func(o *Order) bool) {
	s.tree.Ascend(func(lv *level) bool {
		for _, o := range lv.orders {
			if !fn(o) {
				return false
			}
		}
		return true
	})
}

// depthLevels walks up to limit price levels (best first), calling fn with
// the level's price and the sum of its orders' left quantity.
func (s *side) depthLevels(limit int, fn func(price, amount decimal.D)) {
	n := 0
	s.tree.Ascend(func(lv *level) bool {
		if limit > 0 && n >= limit {
			return false
		}
		sum := decimal.Zero
		for _, o := range lv.orders {
			sum = sum.Add(o.Left)
		}
		if sum.IsPos() {
			fn(lv.price, sum)
			n++
		}
		return true
	})
}
