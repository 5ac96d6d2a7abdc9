package market

import "fmt"

// Market defines a trading pair. Invariants are checked at creation and
// never again.
type Market struct {
	Name        string
	Stock       string // base asset
	Money       string // quote asset
	StockPrec   int32
	MoneyPrec   int32
	FeePrec     int32
	MinAmount   string // decimal literal; parsed by callers via pkg/decimal
}

// NewMarket validates the three precision invariants against the assets'
// prec_save and returns the constructed Market.
func NewMarket(name, stock, money string, stockPrec, moneyPrec, feePrec int32, minAmount string, stockAsset, moneyAsset Asset) (*Market, error) {
	if name == "" || stock == "" || money == "" {
		return nil, fmt.Errorf("market: name/stock/money cannot be empty")
	}
	if stock == money {
		return nil, fmt.Errorf("market %s: stock and money must differ", name)
	}
	if stockPrec < 0 || moneyPrec < 0 || feePrec < 0 {
		return nil, fmt.Errorf("market %s: precisions cannot be negative", name)
	}
	if stockAsset.Name != stock {
		return nil, fmt.Errorf("market %s: stock asset mismatch", name)
	}
	if moneyAsset.Name != money {
		return nil, fmt.Errorf("market %s: money asset mismatch", name)
	}

	// precision invariants, checked once.
	if stockPrec+moneyPrec > moneyAsset.PrecSave {
		return nil, fmt.Errorf("market %s: stock_prec+money_prec (%d) exceeds prec_save(money)=%d",
			name, stockPrec+moneyPrec, moneyAsset.PrecSave)
	}
	if stockPrec+feePrec > stockAsset.PrecSave {
		return nil, fmt.Errorf("market %s: stock_prec+fee_prec (%d) exceeds prec_save(stock)=%d",
			name, stockPrec+feePrec, stockAsset.PrecSave)
	}
	if moneyPrec+feePrec > moneyAsset.PrecSave {
		return nil, fmt.Errorf("market %s: money_prec+fee_prec (%d) exceeds prec_save(money)=%d",
			name, moneyPrec+feePrec, moneyAsset.PrecSave)
	}

	return &Market{
		Name:      name,
		Stock:     stock,
		Money:     money,
		StockPrec: stockPrec,
		MoneyPrec: moneyPrec,
		FeePrec:   feePrec,
		MinAmount: minAmount,
	}, nil
}
