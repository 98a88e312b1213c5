package tenant

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarski/eventgate/pkg/sampling"
)

func testTenant(id string) *Tenant {
	return &Tenant{
		ID:        id,
		Name:      "Tenant " + id,
		IngestKey: NewIngestKey(),
		QueryKey:  NewQueryKey(),
	}
}

func TestKeyGeneration(t *testing.T) {
	ik := NewIngestKey()
	qk := NewQueryKey()

	assert.True(t, strings.HasPrefix(ik, "eg_"))
	assert.True(t, strings.HasPrefix(qk, "eg_priv_"))
	assert.NotEqual(t, NewIngestKey(), NewIngestKey(), "keys must be random")
}

func TestSourceID_Deterministic(t *testing.T) {
	a := SourceID("tenant-a", "web_app")
	b := SourceID("tenant-a", "web_app")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, SourceID("tenant-b", "web_app"))
	assert.NotEqual(t, a, SourceID("tenant-a", "mobile_app"))
}

func TestEffectiveSampling_SourceOverride(t *testing.T) {
	rate := 0.25
	strat := sampling.StrategyDeterministic
	ten := &Tenant{
		ID:       "t1",
		Sampling: sampling.Config{Enabled: true, Strategy: sampling.StrategyRandom, Rate: 0.9},
		Sources: map[string]SourceConfig{
			"mobile_app": {Sampling: &sampling.Override{Rate: &rate, Strategy: &strat}},
		},
	}

	base := ten.EffectiveSampling("web_app")
	assert.Equal(t, 0.9, base.Rate)
	assert.Equal(t, sampling.StrategyRandom, base.Strategy)

	over := ten.EffectiveSampling("mobile_app")
	assert.Equal(t, 0.25, over.Rate)
	assert.Equal(t, sampling.StrategyDeterministic, over.Strategy)
	assert.True(t, over.Enabled, "unset override field inherits")
}

func TestSourceActive(t *testing.T) {
	inactive := false
	ten := &Tenant{
		ID: "t1",
		Sources: map[string]SourceConfig{
			"legacy": {Active: &inactive},
		},
	}

	assert.True(t, ten.SourceActive("anything"), "unknown sources default active")
	assert.False(t, ten.SourceActive("legacy"))
}

func TestRegistry_LookupScopes(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Close()

	ten := testTenant("t1")
	require.NoError(t, reg.Upsert(ten))

	got, scope, ok := reg.Lookup(ten.IngestKey)
	require.True(t, ok)
	assert.Equal(t, ScopeIngest, scope)
	assert.Equal(t, "t1", got.ID)

	got, scope, ok = reg.Lookup(ten.QueryKey)
	require.True(t, ok)
	assert.Equal(t, ScopeQuery, scope)
	assert.Equal(t, "t1", got.ID)

	_, _, ok = reg.Lookup("eg_bogus")
	assert.False(t, ok)
}

func TestRegistry_UpsertReplacesKeys(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Close()

	ten := testTenant("t1")
	require.NoError(t, reg.Upsert(ten))
	oldKey := ten.IngestKey

	rotated := *ten
	rotated.IngestKey = NewIngestKey()
	require.NoError(t, reg.Upsert(&rotated))

	_, _, ok := reg.Lookup(oldKey)
	assert.False(t, ok, "rotated-out key must stop resolving")

	got, _, ok := reg.Lookup(rotated.IngestKey)
	require.True(t, ok)
	assert.Equal(t, "t1", got.ID)
}

func TestRegistry_Defaults(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.Upsert(testTenant("t1")))

	got, ok := reg.Get("t1")
	require.True(t, ok)
	assert.Equal(t, 1000, got.RatePerMinute)
	assert.Equal(t, 90, got.RetentionDays)
	assert.Equal(t, 365, got.AggregateRetentionDays)
	assert.Equal(t, 1.0, got.Sampling.Rate)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yml")

	content := `
tenants:
  - id: acme
    name: Acme Inc
    ingest_key: eg_test_ingest
    query_key: eg_priv_test_query
    rate_per_minute: 120
    sampling:
      enabled: true
      strategy: deterministic
      rate: 0.5
    sources:
      web_app:
        sampling:
          rate: 0.1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	defer reg.Close()

	ten, scope, ok := reg.Lookup("eg_test_ingest")
	require.True(t, ok)
	assert.Equal(t, ScopeIngest, scope)
	assert.Equal(t, "acme", ten.ID)
	assert.Equal(t, 120, ten.RatePerMinute)
	assert.Equal(t, 0.1, ten.EffectiveSampling("web_app").Rate)
	assert.Equal(t, 0.5, ten.EffectiveSampling("other").Rate)
}
