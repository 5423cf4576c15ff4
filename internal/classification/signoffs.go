package classification

import "github.com/pesio-ai/be-npa-governance/internal/model"

// Approving parties.
var (
	PartyMarketRisk = model.Party{Name: "Market Risk", Department: "RMG-MLR"}
	PartyCreditRisk = model.Party{Name: "Credit Risk", Department: "RMG-Credit"}
	PartyLegal      = model.Party{Name: "Legal", Department: "Legal & Compliance"}
	PartyCompliance = model.Party{Name: "Compliance", Department: "Legal & Compliance"}
	PartyFinance    = model.Party{Name: "Finance", Department: "Group Finance"}
	PartyOperations = model.Party{Name: "Operations", Department: "Group Operations"}
	PartyTechnology = model.Party{Name: "Technology", Department: "Group Technology"}
)

// SignoffMatrix maps a tier (and, for the lighter tracks, a track) to the
// parties whose signoff is mandatory.
type SignoffMatrix struct {
	Tiers  map[model.Tier][]model.Party
	Tracks map[model.Track][]model.Party
}

// DefaultSignoffMatrix returns the standard party lists.
func DefaultSignoffMatrix() SignoffMatrix {
	return SignoffMatrix{
		Tiers: map[model.Tier][]model.Party{
			model.TierNewToGroup: {
				PartyMarketRisk, PartyCreditRisk, PartyLegal, PartyCompliance,
				PartyFinance, PartyOperations, PartyTechnology,
			},
			model.TierVariation: {
				PartyMarketRisk, PartyCreditRisk, PartyCompliance, PartyFinance, PartyOperations,
			},
			model.TierExisting: {
				PartyMarketRisk, PartyOperations,
			},
			model.TierProhibited: {},
		},
		Tracks: map[model.Track][]model.Party{
			model.TrackBundling:  {PartyMarketRisk, PartyOperations},
			model.TrackEvergreen: {PartyOperations},
		},
	}
}

// MandatorySignoffs returns the fixed party list of a tier.
func (m SignoffMatrix) MandatorySignoffs(tier model.Tier) []model.Party {
	return append([]model.Party(nil), m.Tiers[tier]...)
}

// RequiredParties resolves the parties to seed for a proposal. Tracks with
// their own list replace the tier list; FULL_NPA and NPA_LITE use the tier's.
func (m SignoffMatrix) RequiredParties(tier model.Tier, track model.Track) []model.Party {
	if tier == model.TierProhibited {
		return nil
	}
	if parties, ok := m.Tracks[track]; ok {
		return append([]model.Party(nil), parties...)
	}
	return m.MandatorySignoffs(tier)
}

// RecommendTrack maps a tier to its default approval track. Bundling is never
// recommended here; it is applied explicitly after the bundling gate.
func RecommendTrack(tier model.Tier, requested model.Track) model.Track {
	switch tier {
	case model.TierNewToGroup:
		return model.TrackFullNPA
	case model.TierVariation:
		return model.TrackNPALite
	case model.TierExisting:
		if requested == model.TrackEvergreen {
			return model.TrackEvergreen
		}
		return model.TrackNPALite
	}
	return ""
}
