package reward

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// PayoutPolicy decides whether a confidence score earns a secondary-asset
// payout and converts token amounts into that asset.
type PayoutPolicy interface {
	Asset() string
	// Eligible reports whether confidence meets the policy threshold.
	Eligible(confidence *apd.Decimal) bool
	// Convert returns tokens expressed in the asset at full precision.
	Convert(tokens int64) (*apd.Decimal, error)
}

// AssetConfig is the configuration record for one payout asset.
type AssetConfig struct {
	Name                   string  `yaml:"name" json:"name"`
	ConversionRate         string  `yaml:"conversion_rate" json:"conversion_rate"`
	MinConfidenceForPayout float64 `yaml:"min_confidence_for_payout" json:"min_confidence_for_payout"`
}

// AssetPolicy is a PayoutPolicy with a static conversion rate and a single
// minimum-confidence threshold.
type AssetPolicy struct {
	Name          string
	Rate          *apd.Decimal
	MinConfidence *apd.Decimal
}

// NewAssetPolicy parses an asset configuration record.
func NewAssetPolicy(cfg AssetConfig) (*AssetPolicy, error) {
	name := strings.ToUpper(strings.TrimSpace(cfg.Name))
	if name == "" {
		return nil, fmt.Errorf("payout asset name must not be empty")
	}
	rate, _, err := apd.NewFromString(strings.TrimSpace(cfg.ConversionRate))
	if err != nil {
		return nil, fmt.Errorf("asset %s: invalid conversion rate %q: %w", name, cfg.ConversionRate, err)
	}
	if rate.Negative || rate.Form != apd.Finite {
		return nil, fmt.Errorf("asset %s: conversion rate must be a non-negative number, got %s", name, cfg.ConversionRate)
	}
	if cfg.MinConfidenceForPayout < 0 || cfg.MinConfidenceForPayout > 1 {
		return nil, fmt.Errorf("asset %s: min_confidence_for_payout must be within [0,1], got %v", name, cfg.MinConfidenceForPayout)
	}
	threshold, err := new(apd.Decimal).SetFloat64(cfg.MinConfidenceForPayout)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", name, err)
	}
	return &AssetPolicy{Name: name, Rate: rate, MinConfidence: threshold}, nil
}

func (p *AssetPolicy) Asset() string { return p.Name }

func (p *AssetPolicy) Eligible(confidence *apd.Decimal) bool {
	return confidence.Cmp(p.MinConfidence) >= 0
}

func (p *AssetPolicy) Convert(tokens int64) (*apd.Decimal, error) {
	out := new(apd.Decimal)
	if _, err := exact.Mul(out, apd.New(tokens, 0), p.Rate); err != nil {
		return nil, fmt.Errorf("convert %d tokens to %s: %w", tokens, p.Name, err)
	}
	return out, nil
}
