package classification

import (
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// ReferenceList is a snapshot of the prohibited-items list. A list that could
// not be loaded is marked unavailable and the check reports a degraded result.
type ReferenceList struct {
	Items     []model.ProhibitedItem
	AsOf      time.Time
	Available bool
}

// NewReferenceList wraps a loaded list.
func NewReferenceList(items []model.ProhibitedItem, asOf time.Time) ReferenceList {
	return ReferenceList{Items: items, AsOf: asOf, Available: true}
}

// UnavailableReferenceList represents a list that failed to load.
func UnavailableReferenceList(asOf time.Time) ReferenceList {
	return ReferenceList{AsOf: asOf}
}

// ProhibitedMatch is one reference-list entry the proposal hit.
type ProhibitedMatch struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// ProhibitedCheck is the outcome of the prohibited-item check.
type ProhibitedCheck struct {
	Status      model.ProhibitedCheckStatus `json:"status"`
	Matches     []ProhibitedMatch           `json:"matches,omitempty"`
	Diagnostics []string                    `json:"diagnostics,omitempty"`
}

// CheckProhibited evaluates attributes against the list. Entries are scoped by
// jurisdiction and effective date range. An unreadable entry degrades the
// result to UNAVAILABLE unless another entry matched outright.
func CheckProhibited(a Attributes, list ReferenceList) ProhibitedCheck {
	if !list.Available {
		return ProhibitedCheck{
			Status:      model.ProhibitedUnavailable,
			Diagnostics: []string{"prohibited-items reference list unavailable"},
		}
	}

	check := ProhibitedCheck{Status: model.ProhibitedClear}
	degraded := false

	for _, item := range list.Items {
		if !effectiveAt(item, list.AsOf) || !inJurisdiction(item, a.Jurisdictions) {
			continue
		}
		hit, err := matchesProduct(item, a)
		if err != nil {
			degraded = true
			check.Diagnostics = append(check.Diagnostics, fmt.Sprintf("entry %s: %v", item.Code, err))
			continue
		}
		if hit {
			check.Matches = append(check.Matches, ProhibitedMatch{Code: item.Code, Name: item.Name, Reason: item.Reason})
		}
	}

	switch {
	case len(check.Matches) > 0:
		check.Status = model.ProhibitedMatched
	case degraded:
		check.Status = model.ProhibitedUnavailable
	}
	return check
}

func effectiveAt(item model.ProhibitedItem, asOf time.Time) bool {
	if asOf.Before(item.EffectiveFrom) {
		return false
	}
	return item.EffectiveTo == nil || asOf.Before(*item.EffectiveTo)
}

func inJurisdiction(item model.ProhibitedItem, jurisdictions []string) bool {
	if item.Jurisdiction == "" || item.Jurisdiction == "*" {
		return true
	}
	for _, j := range jurisdictions {
		if strings.EqualFold(strings.TrimSpace(j), item.Jurisdiction) {
			return true
		}
	}
	return false
}

func matchesProduct(item model.ProhibitedItem, a Attributes) (bool, error) {
	if item.ProductPattern != "" {
		pattern := strings.ToLower(item.ProductPattern)
		if !doublestar.ValidatePattern(pattern) {
			return false, fmt.Errorf("invalid product pattern %q", item.ProductPattern)
		}
		ok, err := doublestar.Match(pattern, strings.ToLower(a.ProductType))
		if err != nil || ok {
			return ok, err
		}
	}
	if item.ProductCategory != "" && strings.EqualFold(item.ProductCategory, a.ProductCategory) {
		return true, nil
	}
	return false, nil
}
