package monitor

import (
	"time"

	"github.com/pesio-ai/be-npa-governance/internal/model"
)

// IsSLABreached reports whether an open signoff has passed its deadline and
// has not been flagged yet.
func IsSLABreached(s *model.Signoff, now time.Time) bool {
	return s.Status.IsOpen() && !s.SLABreached && s.SLADeadline.Before(now)
}

// HoursOverdue is the time past the deadline, in hours.
func HoursOverdue(s *model.Signoff, now time.Time) float64 {
	d := now.Sub(s.SLADeadline)
	if d < 0 {
		return 0
	}
	return d.Hours()
}

// BreachSeverity grades a breach.
func BreachSeverity(hoursOverdue float64, criticalHours int) model.AlertSeverity {
	if hoursOverdue >= float64(criticalHours) {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}

// ShouldExpire reports whether a launched proposal's validity has lapsed.
func ShouldExpire(p *model.Proposal, now time.Time) bool {
	return p.Stage == model.StageLaunched && p.ValidityExpiry != nil && !p.ValidityExpiry.After(now)
}

// IsPIROverdue reports whether a launched proposal missed its PIR.
func IsPIROverdue(p *model.Proposal, now time.Time) bool {
	return p.Stage == model.StageLaunched &&
		p.PIRStatus == model.PIRPending &&
		p.PIRDueDate != nil && p.PIRDueDate.Before(now)
}

// IsDormant reports whether a launched proposal has gone quiet: launched
// before the window and no metrics inside it. lastMetric excludes the launch
// baseline.
func IsDormant(p *model.Proposal, lastMetric *time.Time, now time.Time, months int) bool {
	if p.Stage != model.StageLaunched || p.Status == model.StatusDormant || p.LaunchedAt == nil {
		return false
	}
	cutoff := now.AddDate(0, -months, 0)
	if !p.LaunchedAt.Before(cutoff) {
		return false
	}
	return lastMetric == nil || lastMetric.Before(cutoff)
}

// keepsStatus reports whether a sweep must leave the status alone.
func keepsStatus(s model.Status) bool {
	return s == model.StatusBlocked || s == model.StatusCompleted
}
