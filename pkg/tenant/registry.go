package tenant

import (
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"gopkg.in/yaml.v3"

	"github.com/tkarski/eventgate/pkg/config"
)

// Registry resolves credentials to tenants on the hot ingest path. Tenant
// provisioning itself is an external concern; the registry is populated from
// a config file or programmatically.
//
// Lookups go through a ristretto cache so repeated requests from the same
// key skip the map and lock entirely.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by id
	byKey   map[string]keyRef  // credential -> (tenant id, scope)

	cache *ristretto.Cache[string, *Tenant]
}

type keyRef struct {
	tenantID string
	scope    KeyScope
}

// NewRegistry creates an empty registry.
func NewRegistry() (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Tenant]{
		NumCounters: config.KeyCacheNumCounters,
		MaxCost:     config.KeyCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant: creating key cache: %w", err)
	}
	return &Registry{
		tenants: make(map[string]*Tenant),
		byKey:   make(map[string]keyRef),
		cache:   cache,
	}, nil
}

// tenantsFile is the on-disk registry format.
type tenantsFile struct {
	Tenants []*Tenant `yaml:"tenants"`
}

// LoadFile replaces the registry contents with the tenants declared in a
// YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: reading %s: %w", path, err)
	}

	var file tenantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("tenant: parsing %s: %w", path, err)
	}

	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, t := range file.Tenants {
		if err := reg.Upsert(t); err != nil {
			return nil, fmt.Errorf("tenant: %s: %w", path, err)
		}
	}
	return reg, nil
}

// Upsert adds or replaces a tenant. The id is the identity; keys and
// configuration may change between upserts.
func (r *Registry) Upsert(t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant %q has no id", t.Name)
	}
	if t.IngestKey == "" || t.QueryKey == "" {
		return fmt.Errorf("tenant %s is missing credentials", t.ID)
	}
	t.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tenants[t.ID]; ok {
		delete(r.byKey, prev.IngestKey)
		delete(r.byKey, prev.QueryKey)
		r.cache.Del(prev.IngestKey)
		r.cache.Del(prev.QueryKey)
	}
	if ref, ok := r.byKey[t.IngestKey]; ok && ref.tenantID != t.ID {
		return fmt.Errorf("ingest key of tenant %s collides with tenant %s", t.ID, ref.tenantID)
	}
	if ref, ok := r.byKey[t.QueryKey]; ok && ref.tenantID != t.ID {
		return fmt.Errorf("query key of tenant %s collides with tenant %s", t.ID, ref.tenantID)
	}

	r.tenants[t.ID] = t
	r.byKey[t.IngestKey] = keyRef{tenantID: t.ID, scope: ScopeIngest}
	r.byKey[t.QueryKey] = keyRef{tenantID: t.ID, scope: ScopeQuery}
	return nil
}

// Lookup resolves a credential to its tenant and scope. Disabled tenants are
// still returned; rejecting them is an admission decision, not a lookup one.
func (r *Registry) Lookup(key string) (*Tenant, KeyScope, bool) {
	if t, ok := r.cache.Get(key); ok {
		// Scope is recoverable from the tenant itself; the cache only
		// short-circuits the map read.
		if t.IngestKey == key {
			return t, ScopeIngest, true
		}
		if t.QueryKey == key {
			return t, ScopeQuery, true
		}
	}

	r.mu.RLock()
	ref, ok := r.byKey[key]
	var t *Tenant
	if ok {
		t = r.tenants[ref.tenantID]
	}
	r.mu.RUnlock()

	if !ok || t == nil {
		return nil, "", false
	}
	r.cache.Set(key, t, 1)
	return t, ref.scope, true
}

// Get returns a tenant by id.
func (r *Registry) Get(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	return t, ok
}

// List returns all tenants, including disabled ones.
func (r *Registry) List() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	return out
}

// Close releases the lookup cache.
func (r *Registry) Close() {
	r.cache.Close()
}
