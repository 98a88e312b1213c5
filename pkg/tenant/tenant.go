package tenant

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/sampling"
)

// Credential prefixes. Ingest keys may only write events; query keys may only
// read events, aggregates and operational state.
const (
	IngestKeyPrefix = "eg_"
	QueryKeyPrefix  = "eg_priv_"
)

// KeyScope identifies which credential authenticated a request.
type KeyScope string

const (
	ScopeIngest KeyScope = "ingest"
	ScopeQuery  KeyScope = "query"
)

// SourceConfig is the per-source configuration a tenant may declare: a
// partial sampling override and an active flag. Nil fields inherit the
// tenant defaults.
type SourceConfig struct {
	Active   *bool              `yaml:"active" json:"active,omitempty"`
	Sampling *sampling.Override `yaml:"sampling" json:"sampling,omitempty"`
}

// Tenant is one isolated customer. The id is immutable; configuration is
// mutable; tenants are soft-disabled, never hard-deleted.
type Tenant struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	IngestKey string `yaml:"ingest_key" json:"-"`
	QueryKey  string `yaml:"query_key" json:"-"`

	RatePerMinute     int `yaml:"rate_per_minute" json:"rate_per_minute"`
	AddrRatePerMinute int `yaml:"addr_rate_per_minute" json:"addr_rate_per_minute"`

	Sampling sampling.Config `yaml:"sampling" json:"sampling"`

	RetentionDays          int `yaml:"retention_days" json:"retention_days"`
	AggregateRetentionDays int `yaml:"aggregate_retention_days" json:"aggregate_retention_days"`

	Disabled bool `yaml:"disabled" json:"disabled"`

	// Sources holds per-source overrides keyed by source name. Sources not
	// listed here use the tenant defaults.
	Sources map[string]SourceConfig `yaml:"sources" json:"sources,omitempty"`
}

// applyDefaults fills zero-valued quotas and retention windows.
func (t *Tenant) applyDefaults() {
	if t.RatePerMinute <= 0 {
		t.RatePerMinute = config.DefaultTenantRatePerMin
	}
	if t.AddrRatePerMinute <= 0 {
		t.AddrRatePerMinute = config.DefaultAddrRatePerMin
	}
	if t.RetentionDays <= 0 {
		t.RetentionDays = config.DefaultRetentionDays
	}
	if t.AggregateRetentionDays <= 0 {
		t.AggregateRetentionDays = config.DefaultAggregateRetentionDays
	}
	if t.Sampling.Strategy == "" {
		t.Sampling.Strategy = sampling.StrategyRandom
	}
	if !t.Sampling.Enabled && t.Sampling.Rate == 0 {
		t.Sampling.Rate = 1.0
	}
}

// EffectiveSampling resolves the tenant default overlaid with the source
// override, if any.
func (t *Tenant) EffectiveSampling(sourceName string) sampling.Config {
	if sc, ok := t.Sources[sourceName]; ok {
		return sampling.Merge(t.Sampling, sc.Sampling)
	}
	return t.Sampling
}

// SourceActive reports whether the named source accepts events. Sources
// default to active; only an explicit override disables one.
func (t *Tenant) SourceActive(sourceName string) bool {
	if sc, ok := t.Sources[sourceName]; ok && sc.Active != nil {
		return *sc.Active
	}
	return true
}

// EventSource is the persisted record of a source. Sources are auto-created
// on the first event referencing an unknown name and never auto-deleted.
type EventSource struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Active      bool      `json:"active"`
	FirstSeen   time.Time `json:"first_seen"`
	LastEventAt time.Time `json:"last_event_at"`
}

// SourceID derives the source id from (tenant, name). Using a name-based
// UUID makes auto-creation idempotent across processes without coordination:
// two ingesters seeing the same new source name derive the same id.
func SourceID(tenantID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"/"+name)).String()
}

// NewIngestKey returns a fresh ingest-scope credential.
func NewIngestKey() string {
	return IngestKeyPrefix + randomToken()
}

// NewQueryKey returns a fresh query-scope credential.
func NewQueryKey() string {
	return QueryKeyPrefix + randomToken()
}

func randomToken() string {
	buf := make([]byte, 30)
	if _, err := rand.Read(buf); err != nil {
		panic("tenant: failed to read random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
