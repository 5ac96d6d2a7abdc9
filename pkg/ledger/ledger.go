// Package ledger implements the balance ledger: a
// user×asset×(available,frozen) map with add/sub/freeze/unfreeze and the
// precision-rescaling invariant.
package ledger

import (
	"fmt"

	"github.com/vexchange/matchcore/pkg/decimal"
	"github.com/vexchange/matchcore/pkg/market"
)

// Kind distinguishes the two balance buckets kept per user/asset.
type Kind int8

const (
	Available Kind = iota
	Frozen
)

func (k Kind) String() string {
	if k == Frozen {
		return "frozen"
	}
	return "available"
}

// Key identifies one ledger cell.
type Key struct {
	UserID uint32
	Kind   Kind
	Asset  string
}

// Ledger owns every balance in the engine. It is not safe for concurrent
// use: it lives entirely on the single event-loop goroutine, so there is
// deliberately no mutex here.
type Ledger struct {
	assets   *market.Registry
	balances map[Key]decimal.D
}

func New(assets *market.Registry) *Ledger {
	return &Ledger{
		assets:   assets,
		balances: make(map[Key]decimal.D),
	}
}

// Status is the full-scan per-asset summary.
type Status struct {
	Total         decimal.D
	AvailableCount int
	AvailableSum  decimal.D
	FrozenCount   int
	FrozenSum     decimal.D
}

func (l *Ledger) prec(asset string) (int32, error) {
	p, err := l.assets.AssetPrec(asset)
	if err != nil {
		return 0, ErrUnknownAsset(asset)
	}
	return p, nil
}

// Get returns the balance at (u,k,a), or decimal.Zero if absent. A zero
// balance is never stored in the map.
func (l *Ledger) Get(u uint32, k Kind, asset string) (decimal.D, error) {
	if !l.assets.AssetExists(asset) {
		return decimal.Zero, ErrUnknownAsset(asset)
	}
	v, ok := l.balances[Key{u, k, asset}]
	if !ok {
		return decimal.Zero, nil
	}
	return v, nil
}

// Set stores v rescaled to -prec_save(asset). v<0 fails; v==0 deletes the
// entry and returns a structural zero (decimal.D is a value type, so no
// return here ever aliases shared state).
func (l *Ledger) Set(u uint32, k Kind, asset string, v decimal.D) (decimal.D, error) {
	prec, err := l.prec(asset)
	if err != nil {
		return decimal.Zero, err
	}
	if v.IsNeg() {
		return decimal.Zero, fmt.Errorf("ledger: negative balance for user=%d asset=%s: %s", u, asset, v)
	}
	key := Key{u, k, asset}
	if v.IsZero() {
		delete(l.balances, key)
		return decimal.Zero, nil
	}
	rv := v.Rescale(prec)
	if rv.IsZero() {
		delete(l.balances, key)
		return decimal.Zero, nil
	}
	l.balances[key] = rv
	return rv, nil
}

// Add credits v to (u,k,a). v<0 fails.
func (l *Ledger) Add(u uint32, k Kind, asset string, v decimal.D) (decimal.D, error) {
	if v.IsNeg() {
		return decimal.Zero, fmt.Errorf("ledger: add requires v>=0, got %s", v)
	}
	cur, err := l.Get(u, k, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return l.Set(u, k, asset, cur.Add(v))
}

// Sub debits v from (u,k,a). v<0 fails; fails if current balance < v.
func (l *Ledger) Sub(u uint32, k Kind, asset string, v decimal.D) (decimal.D, error) {
	if v.IsNeg() {
		return decimal.Zero, fmt.Errorf("ledger: sub requires v>=0, got %s", v)
	}
	cur, err := l.Get(u, k, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if cur.LessThan(v) {
		return decimal.Zero, ErrInsufficientBalance
	}
	return l.Set(u, k, asset, cur.Sub(v))
}

// Freeze moves v from Available to Frozen. Both legs succeed or neither
// is visible: solvency is validated before mutating either bucket, so a
// failed freeze never touches state.
func (l *Ledger) Freeze(u uint32, asset string, v decimal.D) error {
	avail, err := l.Get(u, Available, asset)
	if err != nil {
		return err
	}
	if avail.LessThan(v) {
		return ErrInsufficientBalance
	}
	if _, err := l.Sub(u, Available, asset, v); err != nil {
		return err
	}
	if _, err := l.Add(u, Frozen, asset, v); err != nil {
		// Unreachable under single-threaded discipline (we just verified
		// solvency above), but if the invariant is ever violated we must
		// not leave Available silently debited with nothing credited back.
		l.Add(u, Available, asset, v) //nolint:errcheck
		return err
	}
	return nil
}

// Unfreeze is the dual of Freeze.
func (l *Ledger) Unfreeze(u uint32, asset string, v decimal.D) error {
	frozen, err := l.Get(u, Frozen, asset)
	if err != nil {
		return err
	}
	if frozen.LessThan(v) {
		return ErrInsufficientBalance
	}
	if _, err := l.Sub(u, Frozen, asset, v); err != nil {
		return err
	}
	if _, err := l.Add(u, Available, asset, v); err != nil {
		l.Add(u, Frozen, asset, v) //nolint:errcheck
		return err
	}
	return nil
}

// Total returns Available+Frozen for (u,a), treating missing as zero.
func (l *Ledger) Total(u uint32, asset string) (decimal.D, error) {
	avail, err := l.Get(u, Available, asset)
	if err != nil {
		return decimal.Zero, err
	}
	frozen, err := l.Get(u, Frozen, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return avail.Add(frozen), nil
}

// AssetStatus scans the whole ledger for one asset.
func (l *Ledger) AssetStatus(asset string) (Status, error) {
	if !l.assets.AssetExists(asset) {
		return Status{}, ErrUnknownAsset(asset)
	}
	var s Status
	for key, v := range l.balances {
		if key.Asset != asset {
			continue
		}
		s.Total = s.Total.Add(v)
		if key.Kind == Available {
			s.AvailableCount++
			s.AvailableSum = s.AvailableSum.Add(v)
		} else {
			s.FrozenCount++
			s.FrozenSum = s.FrozenSum.Add(v)
		}
	}
	return s, nil
}

// Snapshot returns every non-zero (key, value) pair, for the slice dump.
func (l *Ledger) Snapshot() map[Key]decimal.D {
	out := make(map[Key]decimal.D, len(l.balances))
	for k, v := range l.balances {
		out[k] = v
	}
	return out
}

// Restore replaces the ledger's contents wholesale from a loaded slice.
func (l *Ledger) Restore(balances map[Key]decimal.D) {
	l.balances = make(map[Key]decimal.D, len(balances))
	for k, v := range balances {
		if v.IsZero() {
			continue
		}
		l.balances[k] = v
	}
}
