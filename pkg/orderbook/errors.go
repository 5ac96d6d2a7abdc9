package orderbook

import "github.com/vexchange/matchcore/pkg/bizerr"

var (
	// ErrAmountTooSmall rejects an order below the market's minimum size.
	ErrAmountTooSmall = bizerr.New(bizerr.AmountTooSmall, "orderbook: amount below market minimum")
	// ErrInsufficientBalance is the entry solvency check failure.
	ErrInsufficientBalance = bizerr.New(bizerr.InsufficientBalance, "orderbook: insufficient balance")
	// ErrNoCounterparty rejects a market order facing an empty opposite book.
	ErrNoCounterparty = bizerr.New(bizerr.NoCounterparty, "orderbook: opposite book is empty")
	// ErrOrderNotFound / ErrUserMismatch are the cancel-command failures
	// by the cancel command.
	ErrOrderNotFound = bizerr.New(bizerr.OrderNotFound, "orderbook: order not found")
	ErrUserMismatch  = bizerr.New(bizerr.UserMismatch, "orderbook: order belongs to a different user")
)
