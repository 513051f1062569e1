package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimo/internal/facts"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func contribution(category string, refs ...string) facts.Contribution {
	c := facts.Contribution{ID: "c1", UserID: "alice", Category: category, Title: "work"}
	for _, r := range refs {
		c.Evidence = append(c.Evidence, facts.Evidence{Type: "github", Reference: r})
	}
	return c
}

func TestValidateScenarioAlice(t *testing.T) {
	e := newEngine(t)
	res := e.Validate(contribution("coding", "https://github.com/a/b"), map[string]int{"coding": 4})

	assert.True(t, res.Valid, res.Reasons)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.InDelta(t, 0.81, res.Confidence, 1e-9)
	assert.InDelta(t, 0.24, res.Breakdown.Evidence, 1e-9)
	assert.InDelta(t, 0.30, res.Breakdown.Skill, 1e-9)
	assert.InDelta(t, 0.27, res.Breakdown.Category, 1e-9)
	assert.Equal(t, "coding", res.MatchedSkill)
}

func TestValidateNoEvidence(t *testing.T) {
	e := newEngine(t)
	res := e.Validate(contribution("coding"), map[string]int{"coding": 10})

	assert.False(t, res.Valid)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, []string{ReasonNoEvidence}, res.Reasons)
}

func TestValidateMalformedReference(t *testing.T) {
	e := newEngine(t)
	res := e.Validate(contribution("coding", "https://github.com/a/b", "not a url"), map[string]int{"coding": 4})

	assert.False(t, res.Valid)
	assert.Contains(t, res.Reasons[0], "malformed")
	// only well-formed references count
	assert.InDelta(t, 0.81, res.Confidence, 1e-9)
}

func TestValidateSkillRule(t *testing.T) {
	e := newEngine(t)

	t.Run("mapped skill matches", func(t *testing.T) {
		res := e.Validate(contribution("Coding", "https://github.com/a/b"), map[string]int{"Programming": 2})
		assert.True(t, res.Valid)
		assert.Equal(t, "programming", res.MatchedSkill)
		assert.InDelta(t, 0.3*0.8, res.Breakdown.Skill, 1e-9)
	})

	t.Run("unmatched with weak evidence is invalid", func(t *testing.T) {
		res := e.Validate(contribution("coding", "https://github.com/a/b"), map[string]int{"cooking": 9})
		assert.False(t, res.Valid)
		assert.Zero(t, res.Breakdown.Skill)
		assert.Greater(t, res.Confidence, 0.0)
	})

	t.Run("unmatched with strong evidence is valid", func(t *testing.T) {
		res := e.Validate(contribution("coding", "https://github.com/a/b", "https://example.org/x"), nil)
		assert.True(t, res.Valid)
		assert.Zero(t, res.Breakdown.Skill)
	})

	t.Run("highest matching level wins", func(t *testing.T) {
		res := e.Validate(contribution("coding", "x1"), map[string]int{"software": 1, "development": 3})
		assert.Equal(t, "development", res.MatchedSkill)
	})
}

func TestValidateMonotonicInEvidence(t *testing.T) {
	e := newEngine(t)
	skills := map[string]int{"design": 1}
	refs := []string{"https://dribbble.com/shot/1", "bad ref", "doi:10.1000/182", "https://example.org", "sha256:abc"}

	prev := -1.0
	for i := 1; i <= len(refs); i++ {
		res := e.Validate(contribution("design", refs[:i]...), skills)
		assert.GreaterOrEqual(t, res.Confidence, prev, "confidence dropped after adding evidence %d", i)
		prev = res.Confidence
	}
}

func TestValidateDeterministicAndClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SkillPerLevel = 5
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	c := contribution("coding", "https://github.com/a/b", "https://github.com/a/c", "https://github.com/a/d")
	first := e.Validate(c, map[string]int{"coding": 100})
	second := e.Validate(c, map[string]int{"coding": 100})
	assert.Equal(t, first, second)
	assert.LessOrEqual(t, first.Confidence, 1.0)
	assert.GreaterOrEqual(t, first.Confidence, 0.0)
}

func TestValidateCategoryBase(t *testing.T) {
	e := newEngine(t)
	tests := []struct {
		category string
		base     float64
	}{
		{"coding", 0.9},
		{"research", 0.8},
		{"design", 0.75},
		{"community", 0.6},
		{"poetry", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			res := e.Validate(contribution(tt.category, "ref-1"), nil)
			assert.InDelta(t, 0.3*tt.base, res.Breakdown.Category, 1e-9)
		})
	}
}

func TestValidateReportsVerifications(t *testing.T) {
	e := newEngine(t)
	c := contribution("coding", "https://github.com/a/b")
	plain := e.Validate(c, map[string]int{"coding": 4})

	c.Verifications = []facts.Verification{{Organization: "OSS Foundation"}}
	verified := e.Validate(c, map[string]int{"coding": 4})

	assert.Equal(t, plain.Confidence, verified.Confidence)
	assert.Contains(t, verified.Reasons, "verified by OSS Foundation")
}

func TestWellFormedReference(t *testing.T) {
	tests := map[string]bool{
		"https://github.com/a/b":  true,
		"http://example.org":      true,
		"doi:10.1000/182":         true,
		"a1b2c3d":                 true,
		"user@example.org":        true,
		"":                        false,
		"   ":                     false,
		"not a url":               false,
		"-leading-dash":           false,
		"<script>alert(1)</script>": false,
	}
	for ref, want := range tests {
		assert.Equal(t, want, WellFormedReference(ref), "WellFormedReference(%q)", ref)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"weight above one", func(c *Config) { c.SkillWeight = 1.5 }},
		{"all weights zero", func(c *Config) { c.EvidenceWeight, c.SkillWeight, c.CategoryWeight = 0, 0, 0 }},
		{"decay one", func(c *Config) { c.EvidenceDecay = 1 }},
		{"strong count zero", func(c *Config) { c.StrongEvidenceCount = 0 }},
		{"category base negative", func(c *Config) { c.CategoryBase["coding"] = -0.1 }},
		{"default base above one", func(c *Config) { c.DefaultCategoryBase = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewEngine(cfg)
			assert.Error(t, err)
		})
	}
}

func TestWeightsAreNormalized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EvidenceWeight, cfg.SkillWeight, cfg.CategoryWeight = 0.8, 0.6, 0.6
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	res := e.Validate(contribution("coding", "https://github.com/a/b"), map[string]int{"coding": 4})
	assert.InDelta(t, 0.81, res.Confidence, 1e-9)
}

func TestValidateContributionFromStore(t *testing.T) {
	store := facts.NewStore(facts.NewMemoryBackend())
	_, err := store.DefineUser("alice", "Alice")
	require.NoError(t, err)
	require.NoError(t, store.AddSkill("alice", "coding", 4))
	require.NoError(t, store.AddContribution("c1", "alice", "coding", "Parser"))
	require.NoError(t, store.AddEvidence("c1", "github", "https://github.com/a/b"))

	e := newEngine(t)
	res, err := e.ValidateContribution(store, "c1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "c1", res.ContributionID)

	_, err = e.ValidateContribution(store, "missing")
	assert.ErrorIs(t, err, facts.ErrNotFound)
}
