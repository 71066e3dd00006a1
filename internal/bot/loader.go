package bot

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed is one bot entry in the YAML seed file. Amounts are strings so they
// parse exactly.
type Seed struct {
	UserID           string `yaml:"user_id"`
	Symbol           string `yaml:"symbol"`
	Timeframe        string `yaml:"timeframe"`
	PositionSize     string `yaml:"position_size"`
	RiskLimitPercent string `yaml:"risk_limit_percent"`
	DailyLossLimit   string `yaml:"daily_loss_limit"`
	MaxPositionSize  string `yaml:"max_position_size"`
	IsActive         *bool  `yaml:"is_active"` // defaults to true
}

// SeedFile is the top-level YAML structure.
type SeedFile struct {
	Bots []Seed `yaml:"bots"`
}

// LoadSeed reads bots from a YAML file.
func LoadSeed(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.Bots, nil
}

// Config converts the seed into a Config ready for upsert.
func (s Seed) Config() (Config, error) {
	c := Config{
		UserID:    s.UserID,
		Symbol:    s.Symbol,
		Timeframe: s.Timeframe,
		IsActive:  s.IsActive == nil || *s.IsActive,
	}
	var err error
	if c.PositionSize, err = decimal.NewFromString(s.PositionSize); err != nil {
		return Config{}, fmt.Errorf("position_size: %w", err)
	}
	if s.RiskLimitPercent != "" {
		if c.RiskLimitPercent, err = decimal.NewFromString(s.RiskLimitPercent); err != nil {
			return Config{}, fmt.Errorf("risk_limit_percent: %w", err)
		}
	}
	if c.DailyLossLimit, err = optionalDecimal(s.DailyLossLimit); err != nil {
		return Config{}, fmt.Errorf("daily_loss_limit: %w", err)
	}
	if c.MaxPositionSize, err = optionalDecimal(s.MaxPositionSize); err != nil {
		return Config{}, fmt.Errorf("max_position_size: %w", err)
	}
	return c, nil
}

func optionalDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// SyncSeed upserts every seeded bot in one transaction.
func SyncSeed(ctx context.Context, store *Store, seeds []Seed) error {
	configs := make([]Config, 0, len(seeds))
	for i, s := range seeds {
		c, err := s.Config()
		if err != nil {
			return fmt.Errorf("bot #%d (%s %s): %w", i+1, s.Symbol, s.Timeframe, err)
		}
		configs = append(configs, c)
	}
	return store.UpsertMany(ctx, configs)
}
