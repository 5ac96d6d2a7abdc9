package orderbook

import "github.com/vexchange/matchcore/pkg/decimal"

// EventKind is the `orders` bus message event field.
type EventKind int8

const (
	EventPut EventKind = iota + 1
	EventUpdate
	EventFinish
)

// Deal is one executed trade, carrying both legs symmetrically.
type Deal struct {
	ID        uint64
	Time      float64
	Market    string
	Stock     string
	Money     string
	AskID     uint64
	BidID     uint64
	AskUser   uint32
	BidUser   uint32
	Price     decimal.D
	Amount    decimal.D
	AskFee    decimal.D
	BidFee    decimal.D
	TakerSide Side
}

// Sink receives every derived event a successful command produces. The
// owning engine implements it to fan out to the history and bus emitters;
// orderbook itself never imports those packages.
//
// OnTradeBalance is distinct from the balance.update command path's bus
// push: trade settlement (give/receive/fee deltas) only ever produces a
// balance_history row, never a `balances` bus message.
type Sink interface {
	OnOrder(kind EventKind, o *Order)
	OnDeal(d Deal)
	OnTradeBalance(userID uint32, asset, business string, change decimal.D)
}

// NopSink discards every event. Replay mode does not go through it:
// MarketEngine skips every sink call when real is false.
type NopSink struct{}

func (NopSink) OnOrder(EventKind, *Order)                     {}
func (NopSink) OnDeal(Deal)                                   {}
func (NopSink) OnTradeBalance(uint32, string, string, decimal.D) {}
