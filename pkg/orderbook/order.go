// Package orderbook implements the order book and market matching engine:
// two price-ordered books per market, limit and market order matching,
// order lifecycle, and fee calculation. The price levels and the id index
// share the same *Order values; the per-user index holds order ids.
package orderbook

import "github.com/vexchange/matchcore/pkg/decimal"

// Side is the order's side of the book.
type Side int8

const (
	Ask Side = iota
	Bid
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Kind is the order type.
type Kind int8

const (
	Limit Kind = iota
	Market
)

func (k Kind) String() string {
	if k == Market {
		return "market"
	}
	return "limit"
}

// Order is one live or historical order.
type Order struct {
	ID         uint64
	CreateTime float64
	UpdateTime float64
	UserID     uint32
	Market     string
	Source     string
	Kind       Kind
	Side       Side

	Price     decimal.D // 0 for Market orders
	Amount    decimal.D
	TakerFee  decimal.D
	MakerFee  decimal.D // 0 for Market orders

	Left decimal.D
	Freeze decimal.D

	DealStock decimal.D
	DealMoney decimal.D
	DealFee   decimal.D
}

// Resting reports whether the order is a limit order that still has
// quantity left to fill. A market order never rests, even when it closes
// with left > 0.
func (o *Order) Resting() bool { return o.Kind == Limit && o.Left.IsPos() }

// View is the wire-facing snapshot of an order, used for the `orders` bus
// message and query replies.
type View struct {
	ID         uint64    `json:"id"`
	CreateTime float64   `json:"create_time"`
	UpdateTime float64   `json:"update_time"`
	UserID     uint32    `json:"user_id"`
	Market     string    `json:"market"`
	Source     string    `json:"source"`
	Kind       string    `json:"type"`
	Side       string    `json:"side"`
	Price      decimal.D `json:"price"`
	Amount     decimal.D `json:"amount"`
	TakerFee   decimal.D `json:"taker_fee"`
	MakerFee   decimal.D `json:"maker_fee"`
	Left       decimal.D `json:"left"`
	Freeze     decimal.D `json:"freeze"`
	DealStock  decimal.D `json:"deal_stock"`
	DealMoney  decimal.D `json:"deal_money"`
	DealFee    decimal.D `json:"deal_fee"`
}

func (o *Order) View() View {
	return View{
		ID: o.ID, CreateTime: o.CreateTime, UpdateTime: o.UpdateTime,
		UserID: o.UserID, Market: o.Market, Source: o.Source,
		Kind: o.Kind.String(), Side: o.Side.String(),
		Price: o.Price, Amount: o.Amount, TakerFee: o.TakerFee, MakerFee: o.MakerFee,
		Left: o.Left, Freeze: o.Freeze,
		DealStock: o.DealStock, DealMoney: o.DealMoney, DealFee: o.DealFee,
	}
}
