// Package validation scores contributions. The score is a pure function of
// the contribution's category, its evidence and its author's skills.
package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"

	"nimo/internal/facts"
	"nimo/internal/logging"
)

// ReasonNoEvidence is the sole reason reported for a contribution without
// evidence.
const ReasonNoEvidence = "no evidence"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/#@-]*$`)

// WellFormedReference reports whether ref is an absolute URL with scheme and
// host, or a bare identifier such as a DOI or commit hash.
func WellFormedReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
		return true
	}
	return identifierPattern.MatchString(ref)
}

// Breakdown holds the weighted terms that sum to the confidence score.
type Breakdown struct {
	Evidence float64 `json:"evidence"`
	Skill    float64 `json:"skill"`
	Category float64 `json:"category"`
}

// Result is the verdict for one contribution. An invalid result is a normal
// outcome, not an error.
type Result struct {
	ContributionID string    `json:"contribution_id"`
	Valid          bool      `json:"valid"`
	Confidence     float64   `json:"confidence"`
	Reasons        []string  `json:"reasons"`
	Breakdown      Breakdown `json:"breakdown"`
	MatchedSkill   string    `json:"matched_skill,omitempty"`
}

// Engine applies the scoring policy.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an engine using it.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validation config: %w", err)
	}
	return &Engine{cfg: cfg.normalized()}, nil
}

// Validate scores c given the author's skill levels. Rules run in order:
// evidence must exist, every reference must be well formed, and the author
// must hold a skill matching the category unless the evidence alone is
// strong.
func (e *Engine) Validate(c facts.Contribution, skills map[string]int) Result {
	res := Result{ContributionID: c.ID, Valid: true}
	if len(c.Evidence) == 0 {
		res.Valid = false
		res.Reasons = []string{ReasonNoEvidence}
		logging.ValidationDebug("%s: no evidence", c.ID)
		return res
	}

	wellFormed := 0
	for _, ev := range c.Evidence {
		if WellFormedReference(ev.Reference) {
			wellFormed++
			continue
		}
		res.Valid = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("malformed %s evidence reference %q", ev.Type, ev.Reference))
	}
	if wellFormed > 0 {
		res.Reasons = append(res.Reasons, fmt.Sprintf("%d well-formed evidence reference(s)", wellFormed))
	}

	skill, level, matched := e.matchSkill(c.Category, skills)
	switch {
	case matched:
		res.MatchedSkill = skill
		res.Reasons = append(res.Reasons, fmt.Sprintf("skill %s level %d matches category %s", skill, level, c.Category))
	case wellFormed >= e.cfg.StrongEvidenceCount:
		res.Reasons = append(res.Reasons, fmt.Sprintf("no skill matches category %s; evidence is strong enough on its own", c.Category))
	default:
		res.Valid = false
		res.Reasons = append(res.Reasons, fmt.Sprintf("no skill matches category %s and fewer than %d well-formed references", c.Category, e.cfg.StrongEvidenceCount))
	}

	for _, v := range c.Verifications {
		res.Reasons = append(res.Reasons, "verified by "+v.Organization)
	}

	res.Breakdown = Breakdown{
		Evidence: e.cfg.EvidenceWeight * (1 - math.Pow(e.cfg.EvidenceDecay, float64(wellFormed))),
		Category: e.cfg.CategoryWeight * e.categoryBase(c.Category),
	}
	if matched {
		res.Breakdown.Skill = e.cfg.SkillWeight * math.Min(1, e.cfg.SkillBase+e.cfg.SkillPerLevel*float64(level))
	}
	res.Confidence = clamp(res.Breakdown.Evidence + res.Breakdown.Skill + res.Breakdown.Category)

	logging.ValidationDebug("%s: valid=%t confidence=%.4f", c.ID, res.Valid, res.Confidence)
	return res
}

// matchSkill finds the highest-level skill accepted for category. The
// category name itself always matches.
func (e *Engine) matchSkill(category string, skills map[string]int) (string, int, bool) {
	category = facts.NormalizeTag(category)
	accepted := append([]string{category}, e.cfg.CategorySkills[category]...)

	best, bestLevel, found := "", 0, false
	for name, level := range skills {
		norm := facts.NormalizeTag(name)
		for _, want := range accepted {
			if norm != want {
				continue
			}
			if !found || level > bestLevel || (level == bestLevel && norm < best) {
				best, bestLevel, found = norm, level, true
			}
		}
	}
	return best, bestLevel, found
}

func (e *Engine) categoryBase(category string) float64 {
	if base, ok := e.cfg.CategoryBase[facts.NormalizeTag(category)]; ok {
		return base
	}
	return e.cfg.DefaultCategoryBase
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ValidateTx loads a contribution and its author's skills inside tx and
// scores them.
func (e *Engine) ValidateTx(tx *facts.Tx, contributionID string) (Result, error) {
	c, err := tx.Contribution(contributionID)
	if err != nil {
		return Result{}, err
	}
	author, err := tx.User(c.UserID)
	if err != nil {
		return Result{}, err
	}
	return e.Validate(c, author.Skills), nil
}

// ValidateContribution scores a stored contribution against a consistent
// snapshot of the store.
func (e *Engine) ValidateContribution(store *facts.Store, contributionID string) (res Result, err error) {
	err = store.View(func(tx *facts.Tx) error {
		res, err = e.ValidateTx(tx, contributionID)
		return err
	})
	return res, err
}
