package validation

import (
	"fmt"

	"nimo/internal/facts"
)

// Config holds the scoring policy. Weights combine the three terms of the
// confidence score and must sum to a positive value; they are normalized
// when they do not sum to 1.
type Config struct {
	EvidenceWeight float64 `yaml:"evidence_weight" json:"evidence_weight"`
	SkillWeight    float64 `yaml:"skill_weight" json:"skill_weight"`
	CategoryWeight float64 `yaml:"category_weight" json:"category_weight"`

	// EvidenceDecay is the fraction of the remaining headroom each further
	// piece of evidence leaves unclaimed: term = 1 - decay^n.
	EvidenceDecay float64 `yaml:"evidence_decay" json:"evidence_decay"`

	// StrongEvidenceCount well-formed references satisfy the skill rule on
	// their own.
	StrongEvidenceCount int `yaml:"strong_evidence_count" json:"strong_evidence_count"`

	// A matched skill scores SkillBase + SkillPerLevel*level, capped at 1.
	SkillBase     float64 `yaml:"skill_base" json:"skill_base"`
	SkillPerLevel float64 `yaml:"skill_per_level" json:"skill_per_level"`

	DefaultCategoryBase float64            `yaml:"default_category_base" json:"default_category_base"`
	CategoryBase        map[string]float64 `yaml:"category_base" json:"category_base"`

	// CategorySkills maps a category to skills that count as a match in
	// addition to the category name itself.
	CategorySkills map[string][]string `yaml:"category_skills" json:"category_skills"`
}

// DefaultConfig returns the standard scoring policy.
func DefaultConfig() Config {
	return Config{
		EvidenceWeight:      0.4,
		SkillWeight:         0.3,
		CategoryWeight:      0.3,
		EvidenceDecay:       0.4,
		StrongEvidenceCount: 2,
		SkillBase:           0.6,
		SkillPerLevel:       0.1,
		DefaultCategoryBase: 0.6,
		CategoryBase: map[string]float64{
			"coding":   0.9,
			"research": 0.8,
			"design":   0.75,
		},
		CategorySkills: map[string][]string{
			"coding":        {"programming", "software", "development"},
			"research":      {"analysis", "science"},
			"design":        {"ux", "ui", "graphics"},
			"documentation": {"writing", "technical writing"},
			"community":     {"outreach", "mentoring"},
		},
	}
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// Validate checks the policy for values that would break the [0,1] range
// of confidence scores.
func (c Config) Validate() error {
	for name, w := range map[string]float64{
		"evidence_weight": c.EvidenceWeight,
		"skill_weight":    c.SkillWeight,
		"category_weight": c.CategoryWeight,
	} {
		if !inUnit(w) {
			return fmt.Errorf("%s must be within [0,1], got %v", name, w)
		}
	}
	if c.EvidenceWeight+c.SkillWeight+c.CategoryWeight == 0 {
		return fmt.Errorf("at least one confidence weight must be positive")
	}
	if c.EvidenceDecay < 0 || c.EvidenceDecay >= 1 {
		return fmt.Errorf("evidence_decay must be within [0,1), got %v", c.EvidenceDecay)
	}
	if c.StrongEvidenceCount < 1 {
		return fmt.Errorf("strong_evidence_count must be at least 1, got %d", c.StrongEvidenceCount)
	}
	if !inUnit(c.SkillBase) || c.SkillPerLevel < 0 {
		return fmt.Errorf("skill_base must be within [0,1] and skill_per_level non-negative")
	}
	if !inUnit(c.DefaultCategoryBase) {
		return fmt.Errorf("default_category_base must be within [0,1], got %v", c.DefaultCategoryBase)
	}
	for cat, base := range c.CategoryBase {
		if !inUnit(base) {
			return fmt.Errorf("category_base[%s] must be within [0,1], got %v", cat, base)
		}
	}
	return nil
}

// normalized returns a copy with tag keys folded the way the fact store
// folds categories and skills.
func (c Config) normalized() Config {
	out := c
	out.CategoryBase = make(map[string]float64, len(c.CategoryBase))
	for cat, base := range c.CategoryBase {
		out.CategoryBase[facts.NormalizeTag(cat)] = base
	}
	out.CategorySkills = make(map[string][]string, len(c.CategorySkills))
	for cat, skills := range c.CategorySkills {
		key := facts.NormalizeTag(cat)
		for _, s := range skills {
			out.CategorySkills[key] = append(out.CategorySkills[key], facts.NormalizeTag(s))
		}
	}
	total := c.EvidenceWeight + c.SkillWeight + c.CategoryWeight
	if total > 0 && total != 1 {
		out.EvidenceWeight = c.EvidenceWeight / total
		out.SkillWeight = c.SkillWeight / total
		out.CategoryWeight = c.CategoryWeight / total
	}
	return out
}
