// Package classification scores a product proposal against the weighted
// criteria table and assigns its tier. The engine is pure: the same
// attributes and reference-list snapshot always produce the same result.
package classification

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// Tier thresholds on total score.
const (
	NewToGroupThreshold = 22
	VariationThreshold  = 12
)

// Attributes are the classification inputs of a proposal.
type Attributes struct {
	ProductCategory string          `json:"product_category"`
	ProductType     string          `json:"product_type"`
	Novelty         Novelty         `json:"novelty"`
	NotionalAmount  int64           `json:"notional_amount"`
	Currency        string          `json:"currency"`
	IsCrossBorder   bool            `json:"is_cross_border"`
	RiskLevel       model.RiskLevel `json:"risk_level"`
	Jurisdictions   []string        `json:"jurisdictions"`

	NewJurisdictions           int  `json:"new_jurisdictions"`
	IsStructured               bool `json:"is_structured"`
	RequiresRegulatoryApproval bool `json:"requires_regulatory_approval"`
	NewRegulatoryRegimes       int  `json:"new_regulatory_regimes"`
	NewSystems                 int  `json:"new_systems"`
	ManualProcessing           bool `json:"manual_processing"`
	NewBookingModel            bool `json:"new_booking_model"`

	// ManualScores replaces computed criterion scores with assessor scores.
	ManualScores map[string]int `json:"manual_scores,omitempty"`
	// TierOverride replaces the calculated tier; OverrideReason is mandatory
	// with it. A prohibited match still wins.
	TierOverride   *model.Tier `json:"tier_override,omitempty"`
	OverrideReason string      `json:"override_reason,omitempty"`
	RequestedTrack model.Track `json:"requested_track,omitempty"`
}

// Normalized returns a copy with the free-text fields in canonical form:
// product type trimmed of spaces and surrounding slashes, currency and
// jurisdiction codes upper-cased and de-duplicated.
func (a Attributes) Normalized() Attributes {
	a.ProductCategory = strings.TrimSpace(a.ProductCategory)
	a.ProductType = strings.TrimSpace(strings.Trim(strings.TrimSpace(a.ProductType), "/"))
	a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
	a.Jurisdictions = NormalizeCodes(a.Jurisdictions)
	return a
}

// NormalizeCodes upper-cases and trims codes, dropping blanks and repeats.
func NormalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Result is the classification outcome.
type Result struct {
	TotalScore        int                    `json:"total_score"`
	CalculatedTier    model.Tier             `json:"calculated_tier"`
	Tier              model.Tier             `json:"tier"`
	Breakdown         []model.CriterionScore `json:"breakdown"`
	Prohibited        ProhibitedCheck        `json:"prohibited"`
	OverrideReason    *string                `json:"override_reason,omitempty"`
	MandatorySignoffs []model.Party          `json:"mandatory_signoffs"`
	RecommendedTrack  model.Track            `json:"recommended_track,omitempty"`
	// Degraded is set when the prohibited check could not complete; the tier
	// is then score-derived but must not be treated as cleared.
	Degraded bool `json:"degraded"`
}

// Engine classifies proposals.
type Engine struct {
	criteria []Criterion
	matrix   SignoffMatrix
}

// NewEngine creates an engine using the given signoff matrix.
func NewEngine(matrix SignoffMatrix) *Engine {
	return &Engine{criteria: Criteria(), matrix: matrix}
}

// Matrix returns the engine's signoff matrix.
func (e *Engine) Matrix() SignoffMatrix { return e.matrix }

// CalculateTier is the monotonic step function from total score to tier.
func CalculateTier(total int) model.Tier {
	switch {
	case total >= NewToGroupThreshold:
		return model.TierNewToGroup
	case total >= VariationThreshold:
		return model.TierVariation
	default:
		return model.TierExisting
	}
}

// Classify scores the attributes and runs the prohibited check. Attributes
// are normalized first. Only malformed input returns an error.
func (e *Engine) Classify(a Attributes, list ReferenceList) (Result, error) {
	a = a.Normalized()
	if err := e.validate(a); err != nil {
		return Result{}, err
	}

	res := Result{Breakdown: make([]model.CriterionScore, 0, len(e.criteria))}
	for _, c := range e.criteria {
		score, rationale := c.score(a)
		if manual, ok := a.ManualScores[c.Code]; ok {
			score = manual
			rationale = "assessor score"
		}
		res.TotalScore += score
		res.Breakdown = append(res.Breakdown, model.CriterionScore{
			Code:      c.Code,
			Name:      c.Name,
			Score:     score,
			MaxScore:  c.MaxScore,
			Rationale: rationale,
		})
	}

	res.CalculatedTier = CalculateTier(res.TotalScore)
	res.Tier = res.CalculatedTier
	if a.TierOverride != nil {
		res.Tier = *a.TierOverride
		reason := a.OverrideReason
		res.OverrideReason = &reason
	}

	res.Prohibited = CheckProhibited(a, list)
	switch res.Prohibited.Status {
	case model.ProhibitedMatched:
		res.Tier = model.TierProhibited
		codes := make([]string, 0, len(res.Prohibited.Matches))
		for _, m := range res.Prohibited.Matches {
			codes = append(codes, m.Code)
		}
		reason := "prohibited item match: " + strings.Join(codes, ", ")
		res.OverrideReason = &reason
	case model.ProhibitedUnavailable:
		res.Degraded = true
	}

	res.MandatorySignoffs = e.matrix.MandatorySignoffs(res.Tier)
	res.RecommendedTrack = RecommendTrack(res.Tier, a.RequestedTrack)
	return res, nil
}

func (e *Engine) validate(a Attributes) error {
	for code, score := range a.ManualScores {
		c, ok := e.criterion(code)
		if !ok {
			return errors.InvalidInput("manual_scores", fmt.Sprintf("unknown criterion %q", code))
		}
		if score < 0 || score > c.MaxScore {
			return errors.InvalidInput("manual_scores", fmt.Sprintf("%s must be between 0 and %d", code, c.MaxScore))
		}
	}
	if a.TierOverride != nil {
		switch *a.TierOverride {
		case model.TierNewToGroup, model.TierVariation, model.TierExisting:
		default:
			return errors.InvalidInput("tier_override", fmt.Sprintf("cannot override to %q", *a.TierOverride))
		}
		if strings.TrimSpace(a.OverrideReason) == "" {
			return errors.InvalidInput("override_reason", "required when overriding the tier")
		}
	}
	if a.NotionalAmount < 0 {
		return errors.InvalidInput("notional_amount", "cannot be negative")
	}
	if a.RiskLevel != "" && !a.RiskLevel.Valid() {
		return errors.InvalidInput("risk_level", "must be LOW, MEDIUM or HIGH")
	}
	return nil
}

func (e *Engine) criterion(code string) (Criterion, bool) {
	for _, c := range e.criteria {
		if c.Code == code {
			return c, true
		}
	}
	return Criterion{}, false
}
