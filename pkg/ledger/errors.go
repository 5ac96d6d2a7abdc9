package ledger

import (
	"fmt"

	"github.com/vexchange/matchcore/pkg/bizerr"
)

// ErrInsufficientBalance is returned by Sub/Freeze/Unfreeze when the source
// bucket doesn't hold enough value.
var ErrInsufficientBalance = bizerr.New(bizerr.InsufficientBalance, "ledger: insufficient balance")

// ErrUnknownAsset rejects any operation naming an asset the registry
// doesn't know.
func ErrUnknownAsset(asset string) error {
	return bizerr.New(bizerr.InvalidArgument, fmt.Sprintf("ledger: unknown asset %q", asset))
}
