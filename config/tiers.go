package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/layer-3/tollgate/core"
)

// TiersFile is the YAML layout of the tier table, lowest tier first:
//
//	tiers:
//	  - name: free
//	    threshold: 0
//	    daily_cap: 1
//	  - name: unlimited
//	    threshold: "1000000"
//	    daily_cap: unlimited
type TiersFile struct {
	Tiers []TierEntry `yaml:"tiers"`
}

type TierEntry struct {
	Name      string `yaml:"name"`
	Threshold scalar `yaml:"threshold"`
	DailyCap  scalar `yaml:"daily_cap"`
}

// scalar keeps the literal text of a YAML scalar so amounts are parsed as decimals, not floats
type scalar string

func (s *scalar) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	if v == nil {
		*s = ""
		return nil
	}
	*s = scalar(fmt.Sprint(v))
	return nil
}

// LoadTierTable reads the tier table from path, or returns the built-in table when path is empty
func LoadTierTable(path string) (core.TierTable, error) {
	if path == "" {
		return core.DefaultTierTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return core.TierTable{}, fmt.Errorf("unable to read %s: %w", path, err)
	}

	return ParseTierTable(data)
}

// ParseTierTable parses and validates a YAML tier table
func ParseTierTable(data []byte) (core.TierTable, error) {
	var file TiersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return core.TierTable{}, fmt.Errorf("unable to parse tier table: %w", err)
	}

	tiers := make([]core.Tier, 0, len(file.Tiers))
	for i, entry := range file.Tiers {
		threshold, err := decimal.NewFromString(strings.TrimSpace(string(entry.Threshold)))
		if err != nil {
			return core.TierTable{}, fmt.Errorf("%w: tier at index %d has invalid threshold %q", core.ErrInvalidTierTable, i, entry.Threshold)
		}

		dailyCap, err := parseCap(string(entry.DailyCap))
		if err != nil {
			return core.TierTable{}, fmt.Errorf("%w: tier at index %d: %v", core.ErrInvalidTierTable, i, err)
		}

		tiers = append(tiers, core.Tier{
			Name:      strings.ToLower(strings.TrimSpace(entry.Name)),
			Threshold: threshold,
			DailyCap:  dailyCap,
		})
	}

	return core.NewTierTable(tiers)
}

func parseCap(value string) (int64, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "unlimited" || value == "-1" {
		return core.Unlimited, nil
	}

	n, err := decimal.NewFromString(value)
	if err != nil || !n.IsInteger() || n.IsNegative() {
		return 0, fmt.Errorf("invalid daily cap %q", value)
	}
	return n.IntPart(), nil
}
