package datacache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/types"
)

// DistributionPolicy picks the cache an instance is stored in. An empty
// name means the default cache; false means the instance is not cached.
type DistributionPolicy interface {
	SelectCache(meta *types.TypeMeta, instance interface{}) (string, bool)
}

// DefaultPolicy uses the cache name from the type metadata
type DefaultPolicy struct{}

// SelectCache implements DistributionPolicy
func (DefaultPolicy) SelectCache(meta *types.TypeMeta, instance interface{}) (string, bool) {
	if meta == nil {
		return "", false
	}
	return meta.CacheName, true
}

// TypeBasedPolicy maps type names to partitions. Types without a mapping
// fall back to their metadata, and subtypes inherit the mapping of their
// nearest mapped supertype.
type TypeBasedPolicy struct {
	Mapping map[string]string
	Repo    types.MetaDataRepository
}

// SelectCache implements DistributionPolicy
func (p TypeBasedPolicy) SelectCache(meta *types.TypeMeta, instance interface{}) (string, bool) {
	if meta == nil {
		return "", false
	}
	seen := make(map[string]bool)
	for m := meta; m != nil && !seen[m.Name]; {
		seen[m.Name] = true
		if name, ok := p.Mapping[m.Name]; ok {
			return name, true
		}
		if m.Super == "" || p.Repo == nil {
			break
		}
		m, _ = p.Repo.Meta(m.Super)
	}
	return meta.CacheName, true
}

// FuncPolicy adapts a function to DistributionPolicy
type FuncPolicy func(meta *types.TypeMeta, instance interface{}) (string, bool)

// SelectCache implements DistributionPolicy
func (f FuncPolicy) SelectCache(meta *types.TypeMeta, instance interface{}) (string, bool) {
	return f(meta, instance)
}

// CacheMode is the global cacheability switch.
type CacheMode string

const (
	CacheAll              CacheMode = "ALL"
	CacheNone             CacheMode = "NONE"
	CacheEnableSelective  CacheMode = "ENABLE_SELECTIVE"
	CacheDisableSelective CacheMode = "DISABLE_SELECTIVE"
	CacheUnspecified      CacheMode = "UNSPECIFIED"
)

// ParseCacheMode parses a mode name case-insensitively; empty is UNSPECIFIED.
func ParseCacheMode(s string) (CacheMode, error) {
	mode := CacheMode(strings.ToUpper(strings.TrimSpace(s)))
	switch mode {
	case "":
		return CacheUnspecified, nil
	case CacheAll, CacheNone, CacheEnableSelective, CacheDisableSelective, CacheUnspecified:
		return mode, nil
	}
	return "", errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unknown cache mode %q", s)).
		WithComponent("datacache")
}

// CacheabilityRules decides whether a type is cached at all. The mode wins,
// then the include and exclude lists, then the type metadata. Decisions are
// memoized per type until Reset.
type CacheabilityRules struct {
	Mode    CacheMode
	Include []string
	Exclude []string

	include map[string]struct{}
	exclude map[string]struct{}
	once    sync.Once
	memo    sync.Map // string -> bool
}

// NewCacheabilityRules creates rules
func NewCacheabilityRules(mode CacheMode, include, exclude []string) *CacheabilityRules {
	return &CacheabilityRules{Mode: mode, Include: include, Exclude: exclude}
}

func (r *CacheabilityRules) init() {
	r.once.Do(func() {
		r.include = toSet(r.Include)
		r.exclude = toSet(r.Exclude)
	})
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// IsCacheable reports whether instances of meta may be cached
func (r *CacheabilityRules) IsCacheable(meta *types.TypeMeta) bool {
	if meta == nil {
		return false
	}
	if v, ok := r.memo.Load(meta.Name); ok {
		return v.(bool)
	}
	ok := r.decide(meta)
	r.memo.Store(meta.Name, ok)
	return ok
}

// declared returns the type's own caching choice. An explicit Cacheable
// flag wins; naming a cache opts the type in.
func declared(meta *types.TypeMeta) (cacheable, ok bool) {
	if meta.Cacheable != nil {
		return *meta.Cacheable, true
	}
	if meta.CacheName != "" {
		return true, true
	}
	return false, false
}

func (r *CacheabilityRules) decide(meta *types.TypeMeta) bool {
	own, hasOwn := declared(meta)
	switch r.Mode {
	case CacheAll:
		return true
	case CacheNone:
		return false
	case CacheEnableSelective:
		return hasOwn && own
	case CacheDisableSelective:
		return !hasOwn || own
	}

	r.init()
	if _, ok := r.exclude[meta.Name]; ok {
		return false
	}
	if len(r.include) > 0 {
		_, ok := r.include[meta.Name]
		return ok
	}
	if hasOwn {
		return own
	}
	return true
}

// Deny marks typeName as not cacheable until Reset
func (r *CacheabilityRules) Deny(typeName string) {
	r.memo.Store(typeName, false)
}

// Allow marks typeName as cacheable until Reset
func (r *CacheabilityRules) Allow(typeName string) {
	r.memo.Store(typeName, true)
}

// Reset drops memoized decisions
func (r *CacheabilityRules) Reset() {
	r.memo.Range(func(k, _ interface{}) bool {
		r.memo.Delete(k)
		return true
	})
}
