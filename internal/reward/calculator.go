// Package reward turns validated contributions into token awards and
// optional secondary-asset payouts. All arithmetic is decimal; amounts are
// rounded only when a Calculation is produced.
package reward

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"nimo/internal/facts"
	"nimo/internal/logging"
)

const precision = 34

var (
	// exact carries enough digits that products of configured values are
	// never rounded.
	exact = newContext(apd.RoundHalfUp)
	// truncate drops fractional tokens.
	truncate = newContext(apd.RoundDown)
)

func newContext(r apd.Rounder) *apd.Context {
	c := apd.BaseContext.WithPrecision(precision)
	c.Rounding = r
	return c
}

// Config sets the token award table.
type Config struct {
	BaseAmount          int64              `yaml:"base_amount" json:"base_amount"`
	DefaultMultiplier   float64            `yaml:"default_multiplier" json:"default_multiplier"`
	CategoryMultipliers map[string]float64 `yaml:"category_multipliers" json:"category_multipliers"`
}

// PayoutConfig sets the secondary-asset policies.
type PayoutConfig struct {
	// Asset names the active policy used by GetRewardCalculation.
	Asset         string        `yaml:"asset" json:"asset"`
	Assets        []AssetConfig `yaml:"assets" json:"assets"`
	DisplayDigits int32         `yaml:"display_digits" json:"display_digits"`
}

// DefaultConfig returns the standard award table.
func DefaultConfig() Config {
	return Config{
		BaseAmount:        50,
		DefaultMultiplier: 1.0,
		CategoryMultipliers: map[string]float64{
			"coding":        1.5,
			"research":      1.3,
			"design":        1.2,
			"community":     1.1,
			"documentation": 1.0,
		},
	}
}

// DefaultPayoutConfig returns USDC and ADA policies with USDC active.
func DefaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		Asset: "USDC",
		Assets: []AssetConfig{
			{Name: "USDC", ConversionRate: "0.01", MinConfidenceForPayout: 0.7},
			{Name: "ADA", ConversionRate: "0.025", MinConfidenceForPayout: 0.8},
		},
		DisplayDigits: 3,
	}
}

// Validate checks the award table.
func (c Config) Validate() error {
	if c.BaseAmount <= 0 {
		return fmt.Errorf("base_amount must be positive, got %d", c.BaseAmount)
	}
	if c.DefaultMultiplier < 0 {
		return fmt.Errorf("default_multiplier must not be negative, got %v", c.DefaultMultiplier)
	}
	for cat, m := range c.CategoryMultipliers {
		if m < 0 {
			return fmt.Errorf("category_multipliers[%s] must not be negative, got %v", cat, m)
		}
	}
	return nil
}

// Validate checks the payout policies. Conversion rates are parsed here so
// a bad rate fails at startup.
func (p PayoutConfig) Validate() error {
	if p.DisplayDigits < 0 || p.DisplayDigits > 18 {
		return fmt.Errorf("display_digits must be within [0,18], got %d", p.DisplayDigits)
	}
	seen := make(map[string]bool, len(p.Assets))
	for _, a := range p.Assets {
		policy, err := NewAssetPolicy(a)
		if err != nil {
			return err
		}
		if seen[policy.Name] {
			return fmt.Errorf("payout asset %s configured twice", policy.Name)
		}
		seen[policy.Name] = true
	}
	if !seen[strings.ToUpper(strings.TrimSpace(p.Asset))] {
		return fmt.Errorf("active payout asset %q is not configured", p.Asset)
	}
	return nil
}

// Calculation is a payout preview for one contribution.
type Calculation struct {
	NimoAmount           int64        `json:"nimo_amount"`
	Confidence           float64      `json:"confidence"`
	PaysSecondaryAsset   bool         `json:"pays_secondary_asset"`
	FinalSecondaryAmount *apd.Decimal `json:"final_secondary_amount"`
	Category             string       `json:"category"`
	Asset                string       `json:"asset"`
}

// Calculator computes token awards and payout previews.
type Calculator struct {
	base        *apd.Decimal
	defaultMult *apd.Decimal
	multipliers map[string]*apd.Decimal
	policies    map[string]PayoutPolicy
	active      string
	digits      int32
}

// NewCalculator builds a calculator from configuration. Extra policies
// replace configured assets of the same name.
func NewCalculator(cfg Config, payout PayoutConfig, extra ...PayoutPolicy) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reward config: %w", err)
	}
	if err := payout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payout config: %w", err)
	}

	c := &Calculator{
		base:        apd.New(cfg.BaseAmount, 0),
		multipliers: make(map[string]*apd.Decimal, len(cfg.CategoryMultipliers)),
		policies:    make(map[string]PayoutPolicy),
		active:      strings.ToUpper(strings.TrimSpace(payout.Asset)),
		digits:      payout.DisplayDigits,
	}
	var err error
	if c.defaultMult, err = new(apd.Decimal).SetFloat64(cfg.DefaultMultiplier); err != nil {
		return nil, err
	}
	for cat, m := range cfg.CategoryMultipliers {
		d, err := new(apd.Decimal).SetFloat64(m)
		if err != nil {
			return nil, fmt.Errorf("category_multipliers[%s]: %w", cat, err)
		}
		c.multipliers[facts.NormalizeTag(cat)] = d
	}
	for _, a := range payout.Assets {
		policy, err := NewAssetPolicy(a)
		if err != nil {
			return nil, err
		}
		c.policies[policy.Asset()] = policy
	}
	for _, p := range extra {
		c.policies[strings.ToUpper(p.Asset())] = p
	}
	return c, nil
}

// Multiplier returns the award multiplier for category; unknown categories
// use the default.
func (c *Calculator) Multiplier(category string) *apd.Decimal {
	if m, ok := c.multipliers[facts.NormalizeTag(category)]; ok {
		return m
	}
	return c.defaultMult
}

// CalculateTokenAward returns base amount times the category multiplier,
// truncated to whole tokens.
func (c *Calculator) CalculateTokenAward(category string) int64 {
	product := new(apd.Decimal)
	if _, err := exact.Mul(product, c.base, c.Multiplier(category)); err != nil {
		logging.Get(logging.CategoryReward).Error("award for %s: %v", category, err)
		return 0
	}
	whole := new(apd.Decimal)
	if _, err := truncate.Quantize(whole, product, 0); err != nil {
		logging.Get(logging.CategoryReward).Error("award for %s: %v", category, err)
		return 0
	}
	n, err := whole.Int64()
	if err != nil {
		logging.Get(logging.CategoryReward).Error("award for %s: %v", category, err)
		return 0
	}
	logging.RewardDebug("award for %s: %s x %s = %d", category, c.base, c.Multiplier(category), n)
	return n
}

// ActiveAsset names the policy used by GetRewardCalculation.
func (c *Calculator) ActiveAsset() string { return c.active }

// Assets lists configured payout assets in name order.
func (c *Calculator) Assets() []string {
	names := make([]string, 0, len(c.policies))
	for name := range c.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetRewardCalculation previews the payout under the active asset policy.
func (c *Calculator) GetRewardCalculation(tokenAmount int64, confidence float64, category string) (Calculation, error) {
	return c.GetRewardCalculationFor(c.active, tokenAmount, confidence, category)
}

// GetRewardCalculationFor previews the payout under the named asset policy.
// The secondary amount is tokenAmount times the asset rate when confidence
// meets the policy threshold, else zero, rounded half-up to the display
// digits.
func (c *Calculator) GetRewardCalculationFor(asset string, tokenAmount int64, confidence float64, category string) (Calculation, error) {
	name := strings.ToUpper(strings.TrimSpace(asset))
	policy, ok := c.policies[name]
	if !ok {
		return Calculation{}, fmt.Errorf("%w: unknown payout asset %q", facts.ErrInvalidArgument, asset)
	}
	if tokenAmount < 0 {
		return Calculation{}, fmt.Errorf("%w: token amount %d", facts.ErrInvalidAmount, tokenAmount)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return Calculation{}, fmt.Errorf("%w: confidence %v outside [0,1]", facts.ErrInvalidArgument, confidence)
	}
	conf, err := new(apd.Decimal).SetFloat64(confidence)
	if err != nil {
		return Calculation{}, fmt.Errorf("%w: confidence %v", facts.ErrInvalidArgument, confidence)
	}

	calc := Calculation{
		NimoAmount: tokenAmount,
		Confidence: confidence,
		Category:   category,
		Asset:      policy.Asset(),
	}
	amount := apd.New(0, 0)
	if policy.Eligible(conf) {
		calc.PaysSecondaryAsset = true
		if amount, err = policy.Convert(tokenAmount); err != nil {
			return Calculation{}, err
		}
	}
	calc.FinalSecondaryAmount = new(apd.Decimal)
	if _, err := exact.Quantize(calc.FinalSecondaryAmount, amount, -c.digits); err != nil {
		return Calculation{}, fmt.Errorf("round %s amount: %w", policy.Asset(), err)
	}
	logging.RewardDebug("%s payout for %d tokens at confidence %v: eligible=%t amount=%s",
		calc.Asset, tokenAmount, confidence, calc.PaysSecondaryAsset, calc.FinalSecondaryAmount)
	return calc, nil
}
