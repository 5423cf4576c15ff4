package classification

import (
	"fmt"

	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// Novelty describes how new the product is to the group.
type Novelty string

const (
	NoveltyNewToGroup    Novelty = "NEW_TO_GROUP"
	NoveltyNewToLocation Novelty = "NEW_TO_LOCATION"
	NoveltyVariation     Novelty = "VARIATION"
	NoveltyExisting      Novelty = "EXISTING"
)

// Criterion codes.
const (
	CriterionProductNovelty        = "PRODUCT_NOVELTY"
	CriterionMarketExpansion       = "MARKET_EXPANSION"
	CriterionRiskComplexity        = "RISK_COMPLEXITY"
	CriterionRegulatoryImpact      = "REGULATORY_IMPACT"
	CriterionTechnologyChange      = "TECHNOLOGY_CHANGE"
	CriterionOperationalComplexity = "OPERATIONAL_COMPLEXITY"
	CriterionFinancialImpact       = "FINANCIAL_IMPACT"
)

// Financial impact bands, in minor units of the proposal currency.
const (
	notionalBandHigh   int64 = 100_000_000_00
	notionalBandMedium int64 = 50_000_000_00
	notionalBandLow    int64 = 10_000_000_00
)

// Criterion is one weighted scoring rule. Its weight is its MaxScore.
type Criterion struct {
	Code     string
	Name     string
	MaxScore int
	score    func(Attributes) (int, string)
}

// Criteria returns the fixed scoring table in evaluation order.
func Criteria() []Criterion {
	return []Criterion{
		{Code: CriterionProductNovelty, Name: "Product novelty", MaxScore: 5, score: scoreNovelty},
		{Code: CriterionMarketExpansion, Name: "Market expansion", MaxScore: 5, score: scoreMarketExpansion},
		{Code: CriterionRiskComplexity, Name: "Risk complexity", MaxScore: 5, score: scoreRiskComplexity},
		{Code: CriterionRegulatoryImpact, Name: "Regulatory impact", MaxScore: 5, score: scoreRegulatoryImpact},
		{Code: CriterionTechnologyChange, Name: "Technology change", MaxScore: 4, score: scoreTechnologyChange},
		{Code: CriterionOperationalComplexity, Name: "Operational complexity", MaxScore: 4, score: scoreOperationalComplexity},
		{Code: CriterionFinancialImpact, Name: "Financial impact", MaxScore: 4, score: scoreFinancialImpact},
	}
}

func scoreNovelty(a Attributes) (int, string) {
	switch a.Novelty {
	case NoveltyNewToGroup:
		return 5, "product not previously traded anywhere in the group"
	case NoveltyNewToLocation:
		return 3, "product new to this booking location"
	case NoveltyVariation:
		return 2, "variation of an approved product"
	}
	return 0, "existing approved product"
}

func scoreMarketExpansion(a Attributes) (int, string) {
	score := 2 * a.NewJurisdictions
	if a.IsCrossBorder {
		score++
	}
	return clamp(score, 5), fmt.Sprintf("%d new jurisdiction(s), cross-border=%t", a.NewJurisdictions, a.IsCrossBorder)
}

func scoreRiskComplexity(a Attributes) (int, string) {
	score := 0
	switch a.RiskLevel {
	case model.RiskHigh:
		score = 4
	case model.RiskMedium:
		score = 2
	}
	if a.IsStructured {
		score++
	}
	return clamp(score, 5), fmt.Sprintf("risk level %s, structured=%t", a.RiskLevel, a.IsStructured)
}

func scoreRegulatoryImpact(a Attributes) (int, string) {
	score := 2 * a.NewRegulatoryRegimes
	if a.RequiresRegulatoryApproval {
		score += 3
	}
	return clamp(score, 5), fmt.Sprintf("regulator approval=%t, %d new regime(s)", a.RequiresRegulatoryApproval, a.NewRegulatoryRegimes)
}

func scoreTechnologyChange(a Attributes) (int, string) {
	switch {
	case a.NewSystems >= 2:
		return 4, fmt.Sprintf("%d new systems", a.NewSystems)
	case a.NewSystems == 1:
		return 2, "one new system"
	}
	return 0, "no system change"
}

func scoreOperationalComplexity(a Attributes) (int, string) {
	score := 0
	if a.ManualProcessing {
		score += 2
	}
	if a.NewBookingModel {
		score += 2
	}
	return clamp(score, 4), fmt.Sprintf("manual processing=%t, new booking model=%t", a.ManualProcessing, a.NewBookingModel)
}

func scoreFinancialImpact(a Attributes) (int, string) {
	switch {
	case a.NotionalAmount >= notionalBandHigh:
		return 4, "notional at or above 100m"
	case a.NotionalAmount >= notionalBandMedium:
		return 3, "notional at or above 50m"
	case a.NotionalAmount >= notionalBandLow:
		return 2, "notional at or above 10m"
	case a.NotionalAmount > 0:
		return 1, "notional below 10m"
	}
	return 0, "no notional declared"
}

func clamp(score, limit int) int {
	if score < 0 {
		return 0
	}
	if score > limit {
		return limit
	}
	return score
}
