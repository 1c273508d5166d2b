package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/horsepicks/race-engine/internal/odds"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// MinNamePool is the smallest name pool a table can run with: the largest
// tuned field size.
const MinNamePool = 6

var (
	ErrNamePoolTooSmall = errors.New("config: name pool must hold at least 6 distinct names")
	ErrDuplicateName    = errors.New("config: name pool contains a duplicate name")
	ErrInvalidRules     = errors.New("config: invalid rules")
)

// Rules are the constants a race table runs with.
type Rules struct {
	NamePool         []string
	Multipliers      map[int]decimal.Decimal
	OddsMin          decimal.Decimal
	OddsMax          decimal.Decimal
	TickInterval     time.Duration
	FinishLine       float64
	StartingBalance  decimal.Decimal
	DefaultFieldSize int
}

// rulesFile mirrors the YAML layout. Decimals are quoted strings so they
// never pass through float64.
type rulesFile struct {
	NamePool         []string       `yaml:"name_pool"`
	Multipliers      map[int]string `yaml:"multipliers"`
	OddsMin          string         `yaml:"odds_min"`
	OddsMax          string         `yaml:"odds_max"`
	TickInterval     string         `yaml:"tick_interval"`
	FinishLine       float64        `yaml:"finish_line"`
	StartingBalance  string         `yaml:"starting_balance"`
	DefaultFieldSize int            `yaml:"default_field_size"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads rules from path, or the embedded defaults when path is empty.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) (Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Rules{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}

	r := Rules{
		NamePool:         f.NamePool,
		Multipliers:      make(map[int]decimal.Decimal, len(f.Multipliers)),
		FinishLine:       f.FinishLine,
		DefaultFieldSize: f.DefaultFieldSize,
	}

	var err error
	if r.OddsMin, err = parseDecimal("odds_min", f.OddsMin); err != nil {
		return Rules{}, err
	}
	if r.OddsMax, err = parseDecimal("odds_max", f.OddsMax); err != nil {
		return Rules{}, err
	}
	if r.StartingBalance, err = parseDecimal("starting_balance", f.StartingBalance); err != nil {
		return Rules{}, err
	}
	for size, s := range f.Multipliers {
		m, err := parseDecimal(fmt.Sprintf("multipliers[%d]", size), s)
		if err != nil {
			return Rules{}, err
		}
		r.Multipliers[size] = m
	}
	if r.TickInterval, err = time.ParseDuration(f.TickInterval); err != nil {
		return Rules{}, fmt.Errorf("%w: tick_interval: %v", ErrInvalidRules, err)
	}

	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

// Validate checks the invariants the race engine relies on.
func (r Rules) Validate() error {
	if len(r.NamePool) < MinNamePool {
		return ErrNamePoolTooSmall
	}
	seen := make(map[string]bool, len(r.NamePool))
	for _, n := range r.NamePool {
		if n == "" {
			return fmt.Errorf("%w: empty name in pool", ErrInvalidRules)
		}
		if seen[n] {
			return fmt.Errorf("%w: %q", ErrDuplicateName, n)
		}
		seen[n] = true
	}
	for size := range r.Multipliers {
		if size > len(r.NamePool) {
			return fmt.Errorf("%w: multiplier for field size %d exceeds name pool", ErrInvalidRules, size)
		}
	}
	// The book enforces the odds range and multiplier values.
	if _, err := odds.NewBook(r.OddsMin, r.OddsMax, r.Multipliers); err != nil {
		return fmt.Errorf("%w: odds %s..%s: %v", ErrInvalidRules, r.OddsMin, r.OddsMax, err)
	}
	if r.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalidRules)
	}
	if r.FinishLine <= 0 {
		return fmt.Errorf("%w: finish_line must be positive", ErrInvalidRules)
	}
	if r.StartingBalance.IsNegative() {
		return fmt.Errorf("%w: starting_balance must not be negative", ErrInvalidRules)
	}
	if r.DefaultFieldSize < 1 || r.DefaultFieldSize > len(r.NamePool) {
		return fmt.Errorf("%w: default_field_size out of range", ErrInvalidRules)
	}
	return nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrInvalidRules, field, err)
	}
	return v, nil
}
