package types

import (
	"reflect"
	"sort"
	"sync"
	"time"
)

// OID identifies a persistent entity instance. It is the key of every
// entity cache.
type OID struct {
	Type string `json:"type" yaml:"type"`
	Key  string `json:"key" yaml:"key"`
}

// NewOID creates an object id.
func NewOID(typeName, key string) OID {
	return OID{Type: typeName, Key: key}
}

// String renders the id as Type:Key
func (o OID) String() string {
	return o.Type + ":" + o.Key
}

// IsZero reports whether the id is unset.
func (o OID) IsZero() bool {
	return o.Type == "" && o.Key == ""
}

// NoTimeout marks a type or cache without expiry.
const NoTimeout time.Duration = -1

// TypeMeta is the cache-relevant metadata of a persistent type.
type TypeMeta struct {
	Name string `yaml:"name" json:"name"`

	// Super is the name of the direct supertype, empty for roots
	Super string `yaml:"super" json:"super,omitempty"`

	// CacheName is the entity cache the type is cached in; empty means the default cache
	CacheName string `yaml:"cache_name" json:"cache_name,omitempty"`

	// Cacheable is the type level annotation; nil when unspecified
	Cacheable *bool `yaml:"cacheable" json:"cacheable,omitempty"`

	// CacheTimeout is the entry lifetime; zero uses the cache default, NoTimeout disables expiry
	CacheTimeout time.Duration `yaml:"cache_timeout" json:"cache_timeout,omitempty"`

	Abstract bool `yaml:"abstract" json:"abstract,omitempty"`

	// Interface types are never query candidates
	Interface bool `yaml:"interface" json:"interface,omitempty"`
}

// BoolPtr is a helper for TypeMeta.Cacheable literals.
func BoolPtr(b bool) *bool {
	return &b
}

// VersionComparison is the result of comparing two entity versions.
type VersionComparison int

const (
	VersionEarlier VersionComparison = iota
	VersionSame
	VersionLater
	VersionDifferent
)

// String returns the comparison name
func (v VersionComparison) String() string {
	switch v {
	case VersionEarlier:
		return "earlier"
	case VersionSame:
		return "same"
	case VersionLater:
		return "later"
	default:
		return "different"
	}
}

// VersionComparator compares version a against version b.
type VersionComparator func(a, b interface{}) VersionComparison

// CompareVersions compares integer, float, string and time versions.
// Values of other kinds are only ever the same or different.
func CompareVersions(a, b interface{}) VersionComparison {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return VersionSame
		}
		return VersionDifferent
	}

	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return VersionDifferent
		}
		switch {
		case ta.Before(tb):
			return VersionEarlier
		case ta.After(tb):
			return VersionLater
		default:
			return VersionSame
		}
	}

	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return VersionDifferent
		}
		switch {
		case fa < fb:
			return VersionEarlier
		case fa > fb:
			return VersionLater
		default:
			return VersionSame
		}
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return VersionDifferent
		}
		switch {
		case sa < sb:
			return VersionEarlier
		case sa > sb:
			return VersionLater
		default:
			return VersionSame
		}
	}

	if reflect.DeepEqual(a, b) {
		return VersionSame
	}
	return VersionDifferent
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// StaticRepository is an in-memory MetaDataRepository.
type StaticRepository struct {
	mu    sync.RWMutex
	metas map[string]*TypeMeta
}

// NewStaticRepository creates a repository holding the given types
func NewStaticRepository(metas ...*TypeMeta) *StaticRepository {
	r := &StaticRepository{metas: make(map[string]*TypeMeta, len(metas))}
	for _, m := range metas {
		r.Register(m)
	}
	return r
}

// Register adds or replaces a type
func (r *StaticRepository) Register(meta *TypeMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas[meta.Name] = meta
}

// Meta implements MetaDataRepository
func (r *StaticRepository) Meta(typeName string) (*TypeMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[typeName]
	return m, ok
}

// Subtypes implements MetaDataRepository
func (r *StaticRepository) Subtypes(typeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name := range r.metas {
		if name != typeName && r.isSubtypeLocked(name, typeName) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *StaticRepository) isSubtypeLocked(name, ancestor string) bool {
	seen := make(map[string]bool)
	for name != "" && !seen[name] {
		seen[name] = true
		m, ok := r.metas[name]
		if !ok {
			return false
		}
		if m.Super == ancestor {
			return true
		}
		name = m.Super
	}
	return false
}

// Types returns all registered type names in sorted order
func (r *StaticRepository) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.metas))
	for name := range r.metas {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
