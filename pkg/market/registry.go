package market

import (
	"fmt"

	"github.com/spf13/viper"
)

// Registry is the static asset/market catalogue. It is built once at
// startup and never mutated afterward, so it needs no locking once
// constructed.
type Registry struct {
	assets  map[string]Asset
	markets map[string]*Market
}

// assetConfig/marketConfig mirror the catalogue file shape decoded by viper.
type assetConfig struct {
	Name     string `mapstructure:"name"`
	PrecSave int32  `mapstructure:"prec_save"`
	PrecShow int32  `mapstructure:"prec_show"`
}

type marketConfig struct {
	Name      string `mapstructure:"name"`
	Stock     string `mapstructure:"stock"`
	Money     string `mapstructure:"money"`
	StockPrec int32  `mapstructure:"stock_prec"`
	MoneyPrec int32  `mapstructure:"money_prec"`
	FeePrec   int32  `mapstructure:"fee_prec"`
	MinAmount string `mapstructure:"min_amount"`
}

type catalogueConfig struct {
	Assets  []assetConfig  `mapstructure:"assets"`
	Markets []marketConfig `mapstructure:"markets"`
}

// LoadRegistry reads the asset/market catalogue from the given config file
// (YAML or JSON, viper auto-detects by extension) and builds an immutable
// Registry. This is the one place in the engine that reaches for viper
// instead of plain env vars — the catalogue is nested structured data, not
// flat scalars, exactly the shape viper's decode-into-struct path is for.
func LoadRegistry(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("market: read catalogue %s: %w", path, err)
	}

	var cfg catalogueConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("market: decode catalogue: %w", err)
	}

	return buildRegistry(cfg)
}

func buildRegistry(cfg catalogueConfig) (*Registry, error) {
	r := &Registry{
		assets:  make(map[string]Asset, len(cfg.Assets)),
		markets: make(map[string]*Market, len(cfg.Markets)),
	}

	for _, a := range cfg.Assets {
		asset := Asset{Name: a.Name, PrecSave: a.PrecSave, PrecShow: a.PrecShow}
		if err := asset.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.assets[asset.Name]; dup {
			return nil, fmt.Errorf("market: duplicate asset %s", asset.Name)
		}
		r.assets[asset.Name] = asset
	}

	for _, m := range cfg.Markets {
		stockAsset, ok := r.assets[m.Stock]
		if !ok {
			return nil, fmt.Errorf("market %s: unknown stock asset %s", m.Name, m.Stock)
		}
		moneyAsset, ok := r.assets[m.Money]
		if !ok {
			return nil, fmt.Errorf("market %s: unknown money asset %s", m.Name, m.Money)
		}
		mkt, err := NewMarket(m.Name, m.Stock, m.Money, m.StockPrec, m.MoneyPrec, m.FeePrec, m.MinAmount, stockAsset, moneyAsset)
		if err != nil {
			return nil, err
		}
		if _, dup := r.markets[mkt.Name]; dup {
			return nil, fmt.Errorf("market: duplicate market %s", mkt.Name)
		}
		r.markets[mkt.Name] = mkt
	}

	return r, nil
}

// NewRegistryFromParts builds a Registry directly from in-memory assets and
// markets, bypassing viper; the tests use it where no config file is
// involved.
func NewRegistryFromParts(assets []Asset, markets []*Market) (*Registry, error) {
	r := &Registry{
		assets:  make(map[string]Asset, len(assets)),
		markets: make(map[string]*Market, len(markets)),
	}
	for _, a := range assets {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		r.assets[a.Name] = a
	}
	for _, m := range markets {
		r.markets[m.Name] = m
	}
	return r, nil
}

func (r *Registry) AssetExists(name string) bool {
	_, ok := r.assets[name]
	return ok
}

func (r *Registry) AssetPrec(name string) (int32, error) {
	a, ok := r.assets[name]
	if !ok {
		return 0, fmt.Errorf("market: unknown asset %s", name)
	}
	return a.PrecSave, nil
}

func (r *Registry) AssetPrecShow(name string) (int32, error) {
	a, ok := r.assets[name]
	if !ok {
		return 0, fmt.Errorf("market: unknown asset %s", name)
	}
	return a.PrecShow, nil
}

func (r *Registry) Asset(name string) (Asset, bool) {
	a, ok := r.assets[name]
	return a, ok
}

func (r *Registry) GetMarket(name string) (*Market, bool) {
	m, ok := r.markets[name]
	return m, ok
}

func (r *Registry) Assets() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	return out
}

func (r *Registry) Markets() []*Market {
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}
