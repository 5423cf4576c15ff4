package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-npa-governance/internal/model"
)

func TestDefaultPolicy_Valid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	lp := p.LedgerPolicy()
	assert.Equal(t, 72, lp.SLAHours("Legal", model.TrackFullNPA))
	assert.Equal(t, 48, lp.SLAHours("Legal", model.TrackNPALite))
	assert.Equal(t, 3, lp.CircuitBreakerThreshold)

	wp := p.WorkflowPolicy()
	assert.Equal(t, 24, wp.ValidityMonths)
	assert.Equal(t, 6, wp.PIRMonthsNewToGroup)

	assert.Len(t, p.SignoffMatrix().RequiredParties(model.TierNewToGroup, model.TrackFullNPA), 7)
}

func TestParsePolicy_OverlaysDefaults(t *testing.T) {
	doc := `
sla:
  default_hours: 96
  party_hours:
    Legal: 120
loop_back:
  circuit_breaker_threshold: 4
monitor:
  schedule: "*/5 * * * *"
signoffs:
  tracks:
    EVERGREEN:
      - name: Operations
        department: Group Operations
      - name: Finance
        department: Group Finance
`
	p, err := ParsePolicy([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 96, p.SLA.DefaultHours)
	assert.Equal(t, 48, p.SLA.ExpeditedHours, "unset keys keep defaults")
	assert.Equal(t, 120, p.LedgerPolicy().SLAHours("legal", model.TrackNPALite))
	assert.Equal(t, 4, p.LoopBack.CircuitBreakerThreshold)
	assert.Equal(t, 2, p.LoopBack.EscalationLevel)
	assert.Equal(t, "*/5 * * * *", p.Monitor.Schedule)
	assert.Equal(t, 48, p.Monitor.CriticalOverdueHours)

	parties := p.SignoffMatrix().RequiredParties(model.TierExisting, model.TrackEvergreen)
	require.Len(t, parties, 2)
	assert.Equal(t, "Finance", parties[1].Name)
	assert.Len(t, p.SignoffMatrix().RequiredParties(model.TierExisting, model.TrackBundling), 2,
		"tracks absent from the file keep their default lists")
}

func TestParsePolicy_Empty(t *testing.T) {
	p, err := ParsePolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().SLA.DefaultHours, p.SLA.DefaultHours)
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "sla:\n  default_hourz: 10\n"},
		{"zero sla", "sla:\n  default_hours: 0\n"},
		{"bad expedited track", "sla:\n  expedited_tracks: [FAST]\n"},
		{"zero party hours", "sla:\n  party_hours:\n    Legal: 0\n"},
		{"zero threshold", "loop_back:\n  circuit_breaker_threshold: 0\n"},
		{"level out of range", "loop_back:\n  escalation_level: 9\n"},
		{"bad schedule", "monitor:\n  schedule: every now and then\n"},
		{"unknown tier", "signoffs:\n  tiers:\n    Novel:\n      - name: Legal\n"},
		{"duplicate party", "signoffs:\n  tiers:\n    Existing:\n      - name: Legal\n      - name: legal\n"},
		{"empty track list", "signoffs:\n  tracks:\n    BUNDLING: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lifecycle:\n  validity_months: 36\n"), 0o600))

	t.Setenv("GOVERNANCE_POLICY_FILE", path)
	t.Setenv("STORAGE_BACKEND", "Memory")
	t.Setenv("HTTP_PORT", "18080")
	t.Setenv("SWEEP_SCHEDULE", "@every 1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 18080, cfg.Server.HTTPPort)
	assert.Equal(t, 36, cfg.Policy.Lifecycle.ValidityMonths)
	assert.Equal(t, "@every 1m", cfg.Policy.Monitor.Schedule)
}

func TestLoad_RejectsUnknownStorage(t *testing.T) {
	t.Setenv("GOVERNANCE_POLICY_FILE", "")
	t.Setenv("STORAGE_BACKEND", "sqlite")
	_, err := Load()
	assert.Error(t, err)
}
