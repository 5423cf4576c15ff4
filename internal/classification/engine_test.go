package classification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/errors"
	"github.com/pesio-ai/be-npa-governance/internal/model"
)

var asOf = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// highScoreAttributes scores 26: 5+5+5+5+4+2+0.
func highScoreAttributes() Attributes {
	return Attributes{
		ProductCategory:            "FX Derivatives",
		ProductType:                "derivatives/fx/option/barrier",
		Novelty:                    NoveltyNewToGroup,
		Currency:                   "USD",
		IsCrossBorder:              true,
		RiskLevel:                  model.RiskHigh,
		Jurisdictions:              []string{"SG", "HK"},
		NewJurisdictions:           2,
		IsStructured:               true,
		RequiresRegulatoryApproval: true,
		NewRegulatoryRegimes:       1,
		NewSystems:                 2,
		ManualProcessing:           true,
	}
}

func TestCalculateTier_Monotonic(t *testing.T) {
	prev := CalculateTier(0)
	for total := 0; total <= 32; total++ {
		tier := CalculateTier(total)
		assert.GreaterOrEqual(t, tier.Rank(), prev.Rank(), "total %d", total)
		assert.Equal(t, tier, CalculateTier(total), "deterministic at %d", total)
		prev = tier
	}

	assert.Equal(t, model.TierExisting, CalculateTier(11))
	assert.Equal(t, model.TierVariation, CalculateTier(12))
	assert.Equal(t, model.TierVariation, CalculateTier(21))
	assert.Equal(t, model.TierNewToGroup, CalculateTier(22))
}

func TestClassify_NewToGroupScenario(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())

	res, err := e.Classify(highScoreAttributes(), NewReferenceList(nil, asOf))
	require.NoError(t, err)

	assert.Equal(t, 26, res.TotalScore)
	assert.Equal(t, model.TierNewToGroup, res.Tier)
	assert.Equal(t, model.TierNewToGroup, res.CalculatedTier)
	assert.Equal(t, model.ProhibitedClear, res.Prohibited.Status)
	assert.GreaterOrEqual(t, len(res.MandatorySignoffs), 5)
	assert.Equal(t, model.TrackFullNPA, res.RecommendedTrack)
	assert.Len(t, res.Breakdown, 7)
	assert.Nil(t, res.OverrideReason)
	assert.False(t, res.Degraded)
}

func TestClassify_BreakdownWithinBounds(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	a := highScoreAttributes()
	a.NewJurisdictions = 10
	a.NewRegulatoryRegimes = 10
	a.NewSystems = 9
	a.NotionalAmount = 500_000_000_00

	res, err := e.Classify(a, NewReferenceList(nil, asOf))
	require.NoError(t, err)

	sum := 0
	for _, c := range res.Breakdown {
		assert.LessOrEqual(t, c.Score, c.MaxScore, c.Code)
		assert.GreaterOrEqual(t, c.Score, 0, c.Code)
		sum += c.Score
	}
	assert.Equal(t, sum, res.TotalScore)
}

func TestClassify_ProhibitedAlwaysWins(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	list := NewReferenceList([]model.ProhibitedItem{
		{
			Code:           "PRH-001",
			Name:           "Binary options",
			ProductPattern: "derivatives/**/barrier",
			Jurisdiction:   "*",
			EffectiveFrom:  asOf.AddDate(-1, 0, 0),
		},
	}, asOf)

	low := Attributes{ProductType: "derivatives/fx/option/barrier", Novelty: NoveltyExisting}
	override := model.TierExisting
	withOverride := highScoreAttributes()
	withOverride.TierOverride = &override
	withOverride.OverrideReason = "desk already trades it"

	for name, a := range map[string]Attributes{
		"high score": highScoreAttributes(),
		"low score":  low,
		"override":   withOverride,
	} {
		t.Run(name, func(t *testing.T) {
			res, err := e.Classify(a, list)
			require.NoError(t, err)
			assert.Equal(t, model.TierProhibited, res.Tier)
			assert.Equal(t, model.ProhibitedMatched, res.Prohibited.Status)
			require.NotNil(t, res.OverrideReason)
			assert.Contains(t, *res.OverrideReason, "PRH-001")
			assert.Empty(t, res.MandatorySignoffs)
			assert.Empty(t, res.RecommendedTrack)
		})
	}
}

func TestClassify_ProhibitedScoping(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	expired := asOf.AddDate(0, -1, 0)
	list := NewReferenceList([]model.ProhibitedItem{
		{Code: "OLD", ProductCategory: "FX Derivatives", Jurisdiction: "*", EffectiveFrom: asOf.AddDate(-2, 0, 0), EffectiveTo: &expired},
		{Code: "FUTURE", ProductCategory: "FX Derivatives", Jurisdiction: "*", EffectiveFrom: asOf.AddDate(0, 1, 0)},
		{Code: "US-ONLY", ProductCategory: "FX Derivatives", Jurisdiction: "US", EffectiveFrom: asOf.AddDate(-1, 0, 0)},
	}, asOf)

	res, err := e.Classify(highScoreAttributes(), list)
	require.NoError(t, err)
	assert.Equal(t, model.ProhibitedClear, res.Prohibited.Status)
	assert.Equal(t, model.TierNewToGroup, res.Tier)

	a := highScoreAttributes()
	a.Jurisdictions = append(a.Jurisdictions, "us")
	res, err = e.Classify(a, list)
	require.NoError(t, err)
	assert.Equal(t, model.TierProhibited, res.Tier)
	require.Len(t, res.Prohibited.Matches, 1)
	assert.Equal(t, "US-ONLY", res.Prohibited.Matches[0].Code)
}

func TestClassify_ProhibitedMatchNormalizesInput(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	list := NewReferenceList([]model.ProhibitedItem{
		{Code: "PRH-007", ProductPattern: "crypto/**", Jurisdiction: "SG", EffectiveFrom: asOf.AddDate(-1, 0, 0)},
	}, asOf)

	for name, a := range map[string]Attributes{
		"leading slash":       {ProductType: "/crypto/perpetual/swap", Jurisdictions: []string{"SG"}},
		"surrounding spaces":  {ProductType: " crypto/perpetual/swap ", Jurisdictions: []string{"SG"}},
		"padded jurisdiction": {ProductType: "crypto/perpetual/swap", Jurisdictions: []string{" sg "}},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := e.Classify(a, list)
			require.NoError(t, err)
			assert.Equal(t, model.ProhibitedMatched, res.Prohibited.Status)
			assert.Equal(t, model.TierProhibited, res.Tier)
		})
	}
}

func TestAttributes_Normalized(t *testing.T) {
	a := Attributes{
		ProductCategory: " FX ",
		ProductType:     " /fx/forward/ ",
		Currency:        " sgd",
		Jurisdictions:   []string{" sg", "SG", "", "hk "},
	}.Normalized()

	assert.Equal(t, "FX", a.ProductCategory)
	assert.Equal(t, "fx/forward", a.ProductType)
	assert.Equal(t, "SGD", a.Currency)
	assert.Equal(t, []string{"SG", "HK"}, a.Jurisdictions)
}

func TestClassify_UnavailableListIsDegraded(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())

	res, err := e.Classify(highScoreAttributes(), UnavailableReferenceList(asOf))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, model.ProhibitedUnavailable, res.Prohibited.Status)
	assert.Equal(t, model.TierNewToGroup, res.Tier)
	assert.NotEmpty(t, res.Prohibited.Diagnostics)
}

func TestClassify_BadPatternDegrades(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	list := NewReferenceList([]model.ProhibitedItem{
		{Code: "BAD", ProductPattern: "derivatives/[fx", Jurisdiction: "*", EffectiveFrom: asOf.AddDate(-1, 0, 0)},
	}, asOf)

	res, err := e.Classify(highScoreAttributes(), list)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, model.ProhibitedUnavailable, res.Prohibited.Status)
}

func TestClassify_ManualScoresAndOverride(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	a := Attributes{
		Novelty:      NoveltyExisting,
		ManualScores: map[string]int{CriterionProductNovelty: 5, CriterionRiskComplexity: 5, CriterionRegulatoryImpact: 3},
	}

	res, err := e.Classify(a, NewReferenceList(nil, asOf))
	require.NoError(t, err)
	assert.Equal(t, 13, res.TotalScore)
	assert.Equal(t, model.TierVariation, res.Tier)
	assert.Equal(t, model.TrackNPALite, res.RecommendedTrack)

	tier := model.TierNewToGroup
	a.TierOverride = &tier
	a.OverrideReason = "first structured note on this desk"
	res, err = e.Classify(a, NewReferenceList(nil, asOf))
	require.NoError(t, err)
	assert.Equal(t, model.TierVariation, res.CalculatedTier)
	assert.Equal(t, model.TierNewToGroup, res.Tier)
	require.NotNil(t, res.OverrideReason)
	assert.Len(t, res.MandatorySignoffs, 7)
}

func TestClassify_Validation(t *testing.T) {
	e := NewEngine(DefaultSignoffMatrix())
	prohibited := model.TierProhibited
	existing := model.TierExisting

	tests := []struct {
		name  string
		attrs Attributes
		field string
	}{
		{"unknown criterion", Attributes{ManualScores: map[string]int{"LUCK": 1}}, "manual_scores"},
		{"score over max", Attributes{ManualScores: map[string]int{CriterionTechnologyChange: 5}}, "manual_scores"},
		{"negative score", Attributes{ManualScores: map[string]int{CriterionTechnologyChange: -1}}, "manual_scores"},
		{"override to prohibited", Attributes{TierOverride: &prohibited, OverrideReason: "x"}, "tier_override"},
		{"override without reason", Attributes{TierOverride: &existing}, "override_reason"},
		{"negative notional", Attributes{NotionalAmount: -1}, "notional_amount"},
		{"bad risk level", Attributes{RiskLevel: "EXTREME"}, "risk_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Classify(tt.attrs, NewReferenceList(nil, asOf))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestRequiredParties(t *testing.T) {
	m := DefaultSignoffMatrix()

	assert.Len(t, m.RequiredParties(model.TierNewToGroup, model.TrackFullNPA), 7)
	assert.Equal(t, []model.Party{PartyMarketRisk, PartyOperations}, m.RequiredParties(model.TierVariation, model.TrackBundling))
	assert.Equal(t, []model.Party{PartyOperations}, m.RequiredParties(model.TierExisting, model.TrackEvergreen))
	assert.Nil(t, m.RequiredParties(model.TierProhibited, model.TrackFullNPA))
	assert.Equal(t, model.TrackEvergreen, RecommendTrack(model.TierExisting, model.TrackEvergreen))
	assert.Equal(t, model.TrackNPALite, RecommendTrack(model.TierExisting, ""))
}
