package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Unlimited marks a tier without a daily cap.
const Unlimited int64 = -1

// Canonical tier names.
const (
	TierFree      = "free"
	TierBasic     = "basic"
	TierPremium   = "premium"
	TierElite     = "elite"
	TierUnlimited = "unlimited"
)

var ErrInvalidTierTable = errors.New("invalid tier table")

// Tier is an access level derived from held token balance
type Tier struct {
	Name      string          `json:"name"`
	Rank      int             `json:"rank"`
	Threshold decimal.Decimal `json:"threshold"`
	DailyCap  int64           `json:"daily_cap"`
}

// IsUnlimited reports whether the tier has no daily cap.
func (t Tier) IsUnlimited() bool {
	return t.DailyCap == Unlimited
}

// Upgrade describes the next tier a wallet could reach and what it costs.
type Upgrade struct {
	Tier      string          `json:"tier"`
	Threshold decimal.Decimal `json:"threshold"`
	DailyCap  int64           `json:"daily_cap"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

// TierTable is the ordered threshold table. Thresholds strictly increase with rank.
type TierTable struct {
	tiers []Tier
}

// NewTierTable validates and ranks tiers given from lowest to highest.
func NewTierTable(tiers []Tier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, fmt.Errorf("%w: no tiers", ErrInvalidTierTable)
	}
	if !tiers[0].Threshold.IsZero() {
		return TierTable{}, fmt.Errorf("%w: lowest tier %q must have threshold 0", ErrInvalidTierTable, tiers[0].Name)
	}

	seen := make(map[string]bool, len(tiers))
	ranked := make([]Tier, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return TierTable{}, fmt.Errorf("%w: tier %d has no name", ErrInvalidTierTable, i)
		}
		if seen[t.Name] {
			return TierTable{}, fmt.Errorf("%w: duplicate tier %q", ErrInvalidTierTable, t.Name)
		}
		seen[t.Name] = true

		if t.DailyCap < 0 && t.DailyCap != Unlimited {
			return TierTable{}, fmt.Errorf("%w: tier %q has negative cap", ErrInvalidTierTable, t.Name)
		}
		if i > 0 && !t.Threshold.GreaterThan(tiers[i-1].Threshold) {
			return TierTable{}, fmt.Errorf("%w: threshold of %q must exceed %q", ErrInvalidTierTable, t.Name, tiers[i-1].Name)
		}

		t.Rank = i
		ranked[i] = t
	}

	return TierTable{tiers: ranked}, nil
}

// DefaultTierTable returns the built-in table used when no tier file is configured.
func DefaultTierTable() TierTable {
	table, err := NewTierTable([]Tier{
		{Name: TierFree, Threshold: decimal.Zero, DailyCap: 1},
		{Name: TierBasic, Threshold: decimal.NewFromInt(1_000), DailyCap: 2},
		{Name: TierPremium, Threshold: decimal.NewFromInt(10_000), DailyCap: 10},
		{Name: TierElite, Threshold: decimal.NewFromInt(100_000), DailyCap: 50},
		{Name: TierUnlimited, Threshold: decimal.NewFromInt(1_000_000), DailyCap: Unlimited},
	})
	if err != nil {
		panic(err)
	}
	return table
}

// Tiers returns a copy of the ordered tiers.
func (t TierTable) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Lowest returns the most restrictive tier.
func (t TierTable) Lowest() Tier {
	return t.tiers[0]
}

// Lookup finds a tier by name.
func (t TierTable) Lookup(name string) (Tier, bool) {
	for _, tier := range t.tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return Tier{}, false
}

// Resolve returns the highest tier whose threshold the balance meets.
func (t TierTable) Resolve(balance decimal.Decimal) Tier {
	resolved := t.tiers[0]
	for _, tier := range t.tiers[1:] {
		if balance.LessThan(tier.Threshold) {
			break
		}
		resolved = tier
	}
	return resolved
}

// UpgradePath lists the tiers above from, cheapest first, with the balance
// each one still requires.
func (t TierTable) UpgradePath(from Tier, balance decimal.Decimal) []Upgrade {
	var path []Upgrade
	for _, tier := range t.tiers {
		if tier.Rank <= from.Rank {
			continue
		}
		shortfall := tier.Threshold.Sub(balance)
		if shortfall.IsNegative() {
			shortfall = decimal.Zero
		}
		path = append(path, Upgrade{
			Tier:      tier.Name,
			Threshold: tier.Threshold,
			DailyCap:  tier.DailyCap,
			Shortfall: shortfall,
		})
	}
	return path
}
