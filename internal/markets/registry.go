package markets

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by the lookups when no market matches.
var ErrNotFound = errors.New("market not found")

// MarketConfig is a market entry in the YAML registry.
type MarketConfig struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Token    string `yaml:"token"`
	Curve    string `yaml:"curve"`
	Decimals uint8  `yaml:"decimals"`
}

type registryFile struct {
	Markets []MarketConfig `yaml:"markets"`
}

// Market is a parsed, ready-to-use market.
type Market struct {
	Symbol   string
	Name     string
	Token    common.Address
	Curve    common.Address
	Decimals uint8
}

// Registry holds all configured markets.
type Registry struct {
	markets []Market
}

// NewRegistry loads markets from a YAML file.
func NewRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read markets file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses and validates a YAML registry document.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	seen := make(map[string]bool, len(file.Markets))
	markets := make([]Market, 0, len(file.Markets))
	for i, cfg := range file.Markets {
		m, err := parseMarketConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("market %d (%s): %w", i, cfg.Symbol, err)
		}
		key := strings.ToUpper(m.Symbol)
		if seen[key] {
			return nil, fmt.Errorf("market %d: duplicate symbol %s", i, m.Symbol)
		}
		seen[key] = true
		markets = append(markets, m)
	}

	return &Registry{markets: markets}, nil
}

// NewStaticRegistry builds a registry from already parsed markets.
func NewStaticRegistry(markets ...Market) *Registry {
	return &Registry{markets: markets}
}

func parseMarketConfig(cfg MarketConfig) (Market, error) {
	if strings.TrimSpace(cfg.Symbol) == "" {
		return Market{}, fmt.Errorf("symbol is required")
	}
	if !common.IsHexAddress(cfg.Token) {
		return Market{}, fmt.Errorf("invalid token address %q", cfg.Token)
	}
	if !common.IsHexAddress(cfg.Curve) {
		return Market{}, fmt.Errorf("invalid curve address %q", cfg.Curve)
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}

	return Market{
		Symbol:   cfg.Symbol,
		Name:     cfg.Name,
		Token:    common.HexToAddress(cfg.Token),
		Curve:    common.HexToAddress(cfg.Curve),
		Decimals: cfg.Decimals,
	}, nil
}

// FindBySymbol looks a market up case-insensitively.
func (r *Registry) FindBySymbol(symbol string) (*Market, error) {
	for i := range r.markets {
		if strings.EqualFold(r.markets[i].Symbol, symbol) {
			return &r.markets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
}

// FindByCurve looks a market up by its curve address.
func (r *Registry) FindByCurve(curve common.Address) (*Market, error) {
	for i := range r.markets {
		if r.markets[i].Curve == curve {
			return &r.markets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: curve %s", ErrNotFound, curve.Hex())
}

// All returns all registered markets
func (r *Registry) All() []Market {
	return r.markets
}

// Curves returns every curve address, in registry order.
func (r *Registry) Curves() []common.Address {
	out := make([]common.Address, len(r.markets))
	for i, m := range r.markets {
		out[i] = m.Curve
	}
	return out
}

// ToBaseUnits converts a human amount such as "1.5" into base units.
// Fractional digits beyond the given decimals are rejected.
func ToBaseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount must be > 0")
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatUnits renders base units as a human decimal string.
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
