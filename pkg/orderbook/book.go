package orderbook

import "sort"

// book holds one market's complete resting-order state: both sides plus an
// id index for O(1) cancel lookup and a per-user index ordered by id
// descending for stable listing. The price levels of asks/bids hold the same
// *Order values as the orders map; users holds order ids, resolved through
// the orders map.
type book struct {
	asks *side
	bids *side

	orders map[uint64]*Order
	users  map[uint32][]uint64 // order ids, kept sorted descending
}

func newBook(stockPrec, moneyPrec int32) *book {
	return &book{
		asks:   newSide(Ask, moneyPrec),
		bids:   newSide(Bid, moneyPrec),
		orders: make(map[uint64]*Order),
		users:  make(map[uint32][]uint64),
	}
}

func (b *book) sideFor(s Side) *side {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// rest inserts a resting order into the book, the id index, and the user
// index.
func (b *book) rest(o *Order) {
	b.sideFor(o.Side).insert(o)
	b.orders[o.ID] = o
	b.insertUser(o.UserID, o.ID)
}

// detach removes a resting order from every index, the common tail of
// finish and cancel. No-op if the order isn't resting.
func (b *book) detach(o *Order) {
	if _, ok := b.orders[o.ID]; !ok {
		return
	}
	b.sideFor(o.Side).remove(o)
	delete(b.orders, o.ID)
	b.removeUser(o.UserID, o.ID)
}

func (b *book) insertUser(u uint32, id uint64) {
	ids := b.users[u]
	i := sort.Search(len(ids), func(i int) bool { return ids[i] <= id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	b.users[u] = ids
}

func (b *book) removeUser(u uint32, id uint64) {
	ids := b.users[u]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(b.users, u)
		return
	}
	b.users[u] = ids
}

// Order returns the resting order with the given id.
func (b *book) Order(id uint64) (*Order, bool) {
	o, ok := b.orders[id]
	return o, ok
}

// UserOrders returns a user's resting orders in descending-id order, for
// stable listing. The returned slice is
// a fresh copy safe for the caller to hold onto.
func (b *book) UserOrders(u uint32) []*Order {
	ids := b.users[u]
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := b.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

