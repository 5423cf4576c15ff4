// Package config loads service settings from the environment and the
// governance policy from an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-npa-governance/internal/classification"
	"github.com/pesio-ai/be-npa-governance/internal/ledger"
	"github.com/pesio-ai/be-npa-governance/internal/model"
	"github.com/pesio-ai/be-npa-governance/internal/monitor"
	"github.com/pesio-ai/be-npa-governance/internal/workflow"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Storage  string
	LogLevel string
	Policy   Policy
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	HTTPPort        int
	GRPCPort        int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
	LockTimeout time.Duration
}

// NATSConfig holds the notification bus settings. An empty URL disables
// publishing.
type NATSConfig struct {
	URL    string
	Stream string
}

// Load reads the environment and, when GOVERNANCE_POLICY_FILE is set, the
// policy file. The result is validated.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "npa-governance"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("SERVICE_ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			HTTPPort:        getEnvInt("HTTP_PORT", 8080),
			GRPCPort:        getEnvInt("GRPC_PORT", 9090),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "npa_governance"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK_PERIOD", time.Minute),
			LockTimeout: getEnvDuration("DB_LOCK_TIMEOUT", 5*time.Second),
		},
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", ""),
			Stream: getEnv("NATS_STREAM", "NOTIFICATIONS"),
		},
		Storage:  strings.ToLower(getEnv("STORAGE_BACKEND", StoragePostgres)),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Policy:   DefaultPolicy(),
	}

	if path := os.Getenv("GOVERNANCE_POLICY_FILE"); path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
	}
	if schedule := os.Getenv("SWEEP_SCHEDULE"); schedule != "" {
		cfg.Policy.Monitor.Schedule = schedule
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}
	if c.Server.HTTPPort <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("HTTP_PORT and GRPC_PORT must be positive")
	}
	return c.Policy.Validate()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// ── Governance policy ─────────────────────────────────────────────────────────

// Policy is the governance policy file.
type Policy struct {
	SLA       SLAPolicy       `yaml:"sla"`
	LoopBack  LoopBackPolicy  `yaml:"loop_back"`
	Lifecycle LifecyclePolicy `yaml:"lifecycle"`
	Monitor   monitor.Config  `yaml:"monitor"`
	Signoffs  SignoffPolicy   `yaml:"signoffs"`
}

// SLAPolicy sets signoff deadlines.
type SLAPolicy struct {
	DefaultHours    int            `yaml:"default_hours"`
	ExpeditedHours  int            `yaml:"expedited_hours"`
	ExpeditedTracks []model.Track  `yaml:"expedited_tracks"`
	PartyHours      map[string]int `yaml:"party_hours"`
}

// LoopBackPolicy configures the rework circuit breaker.
type LoopBackPolicy struct {
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold"`
	EscalationLevel         int `yaml:"escalation_level"`
}

// LifecyclePolicy sets post-launch periods in months.
type LifecyclePolicy struct {
	ValidityMonths      int `yaml:"validity_months"`
	PIRMonthsNewToGroup int `yaml:"pir_months_new_to_group"`
	PIRMonthsDefault    int `yaml:"pir_months_default"`
}

// SignoffPolicy lists mandatory parties per tier and per track.
type SignoffPolicy struct {
	Tiers  map[model.Tier][]model.Party  `yaml:"tiers"`
	Tracks map[model.Track][]model.Party `yaml:"tracks"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	lp := ledger.DefaultPolicy()
	wp := workflow.DefaultPolicy()
	matrix := classification.DefaultSignoffMatrix()
	return Policy{
		SLA: SLAPolicy{
			DefaultHours:    lp.DefaultSLAHours,
			ExpeditedHours:  lp.ExpeditedSLAHours,
			ExpeditedTracks: lp.ExpeditedTracks,
			PartyHours:      map[string]int{},
		},
		LoopBack: LoopBackPolicy{
			CircuitBreakerThreshold: lp.CircuitBreakerThreshold,
			EscalationLevel:         lp.CircuitBreakerLevel,
		},
		Lifecycle: LifecyclePolicy{
			ValidityMonths:      wp.ValidityMonths,
			PIRMonthsNewToGroup: wp.PIRMonthsNewToGroup,
			PIRMonthsDefault:    wp.PIRMonthsDefault,
		},
		Monitor: monitor.DefaultConfig(),
		Signoffs: SignoffPolicy{
			Tiers:  matrix.Tiers,
			Tracks: matrix.Tracks,
		},
	}
}

// LoadPolicy reads a policy file. Keys absent from the file keep their
// defaults; unknown keys are an error.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document over the defaults. A tier or track
// listed in the document replaces that entry's party list.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the policy.
func (p *Policy) Validate() error {
	if p.SLA.DefaultHours <= 0 || p.SLA.ExpeditedHours <= 0 {
		return fmt.Errorf("sla hours must be positive")
	}
	for _, t := range p.SLA.ExpeditedTracks {
		if !t.Valid() {
			return fmt.Errorf("sla.expedited_tracks: unknown track %q", t)
		}
	}
	for party, hours := range p.SLA.PartyHours {
		if hours <= 0 {
			return fmt.Errorf("sla.party_hours[%s] must be positive", party)
		}
	}
	if p.LoopBack.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("loop_back.circuit_breaker_threshold must be positive")
	}
	if p.LoopBack.EscalationLevel < 1 || p.LoopBack.EscalationLevel > 5 {
		return fmt.Errorf("loop_back.escalation_level must be between 1 and 5")
	}
	if p.Lifecycle.ValidityMonths <= 0 || p.Lifecycle.PIRMonthsNewToGroup <= 0 || p.Lifecycle.PIRMonthsDefault <= 0 {
		return fmt.Errorf("lifecycle periods must be positive")
	}
	for tier, parties := range p.Signoffs.Tiers {
		if tier.Rank() == 0 {
			return fmt.Errorf("signoffs.tiers: unknown tier %q", tier)
		}
		if err := validateParties("signoffs.tiers."+string(tier), parties); err != nil {
			return err
		}
	}
	for track, parties := range p.Signoffs.Tracks {
		if !track.Valid() {
			return fmt.Errorf("signoffs.tracks: unknown track %q", track)
		}
		if len(parties) == 0 {
			return fmt.Errorf("signoffs.tracks.%s: at least one party is required", track)
		}
		if err := validateParties("signoffs.tracks."+string(track), parties); err != nil {
			return err
		}
	}
	return p.Monitor.Validate()
}

func validateParties(path string, parties []model.Party) error {
	seen := make(map[string]bool, len(parties))
	for _, party := range parties {
		name := strings.ToLower(strings.TrimSpace(party.Name))
		if name == "" {
			return fmt.Errorf("%s: party name is required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate party %q", path, party.Name)
		}
		seen[name] = true
	}
	return nil
}

// LedgerPolicy converts to the sign-off ledger policy.
func (p Policy) LedgerPolicy() ledger.Policy {
	return ledger.Policy{
		DefaultSLAHours:         p.SLA.DefaultHours,
		ExpeditedSLAHours:       p.SLA.ExpeditedHours,
		ExpeditedTracks:         append([]model.Track(nil), p.SLA.ExpeditedTracks...),
		PartySLAHours:           p.SLA.PartyHours,
		CircuitBreakerThreshold: p.LoopBack.CircuitBreakerThreshold,
		CircuitBreakerLevel:     p.LoopBack.EscalationLevel,
	}
}

// WorkflowPolicy converts to the lifecycle policy.
func (p Policy) WorkflowPolicy() workflow.Policy {
	return workflow.Policy{
		PIRMonthsNewToGroup: p.Lifecycle.PIRMonthsNewToGroup,
		PIRMonthsDefault:    p.Lifecycle.PIRMonthsDefault,
		ValidityMonths:      p.Lifecycle.ValidityMonths,
	}
}

// SignoffMatrix converts to the classification sign-off matrix.
func (p Policy) SignoffMatrix() classification.SignoffMatrix {
	return classification.SignoffMatrix{Tiers: p.Signoffs.Tiers, Tracks: p.Signoffs.Tracks}
}
