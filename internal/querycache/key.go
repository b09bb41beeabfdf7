package querycache

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/objectfs/datacache/pkg/types"
)

// NoEnd marks an unbounded result range.
const NoEnd int64 = math.MaxInt64

// ProjectionKind classifies a projected result column.
type ProjectionKind int

const (
	ProjectionValue ProjectionKind = iota
	ProjectionEntity
	ProjectionArray
	ProjectionCollection
	ProjectionMap
	ProjectionObject
)

// Projection describes one projected column by kind and runtime type name.
type Projection struct {
	Kind ProjectionKind
	Type string
}

// IdentityResolver maps managed instances to their object ids.
type IdentityResolver interface {
	ObjectID(v interface{}) (types.OID, bool)
}

// QueryContext is everything the key builder needs to know about a query
// execution.
type QueryContext struct {
	Language string
	Query    string

	// CandidateType is the type the query ranges over
	CandidateType       string
	Subclasses          bool
	CandidateCollection bool

	Projections []Projection
	ResultType  string

	// AccessPath lists the types the query reads; nil when unknown
	AccessPath []string

	// DirtyTypes are the types persisted, updated or deleted in the
	// current unit of work
	DirtyTypes []string

	Params      []interface{}
	NamedParams map[string]interface{}

	Start int64
	End   int64

	// ReadLock is set when rows are read under a pessimistic lock
	ReadLock bool
}

// IsProjection reports whether rows are projections rather than entities
func (q *QueryContext) IsProjection() bool {
	return len(q.Projections) > 0
}

// QueryKey identifies a cached query result. Two keys are equal when query,
// candidate, parameters, result shape and range are equal; the access path
// only drives invalidation.
type QueryKey struct {
	id   string
	hash uint64

	candidate  string
	accessPath map[string]struct{}
	timeout    time.Duration
	projection bool
	params     []interface{}
}

// NewQueryKey builds a key, or reports false when the query must bypass the
// cache.
func NewQueryKey(qctx *QueryContext, repo types.MetaDataRepository, resolver IdentityResolver) (*QueryKey, bool) {
	if qctx == nil || repo == nil {
		return nil, false
	}
	if qctx.CandidateType == "" || qctx.CandidateCollection {
		return nil, false
	}
	meta, ok := repo.Meta(qctx.CandidateType)
	if !ok || meta.Interface {
		return nil, false
	}

	for _, p := range qctx.Projections {
		switch p.Kind {
		case ProjectionArray:
			return nil, false
		case ProjectionEntity, ProjectionCollection, ProjectionMap, ProjectionObject:
			if _, managed := repo.Meta(p.Type); !managed {
				return nil, false
			}
		}
	}

	if len(qctx.AccessPath) == 0 {
		return nil, false
	}
	access := make(map[string]struct{})
	for _, t := range qctx.AccessPath {
		access[t] = struct{}{}
		for _, sub := range repo.Subtypes(t) {
			access[sub] = struct{}{}
		}
	}
	for _, t := range qctx.DirtyTypes {
		if _, dirty := access[t]; dirty {
			return nil, false
		}
	}

	params := make([]interface{}, len(qctx.Params))
	for i, p := range qctx.Params {
		cp, ok := copyParam(p, resolver)
		if !ok {
			return nil, false
		}
		params[i] = cp
	}
	named := make(map[string]interface{}, len(qctx.NamedParams))
	for name, p := range qctx.NamedParams {
		cp, ok := copyParam(p, resolver)
		if !ok {
			return nil, false
		}
		named[name] = cp
	}

	var b strings.Builder
	writeString(&b, qctx.Language)
	writeString(&b, qctx.Query)
	writeString(&b, qctx.CandidateType)
	fmt.Fprintf(&b, "%t;", qctx.Subclasses)
	writeString(&b, qctx.ResultType)
	fmt.Fprintf(&b, "%d;", len(qctx.Projections))
	for _, p := range qctx.Projections {
		fmt.Fprintf(&b, "%d;", p.Kind)
		writeString(&b, p.Type)
	}
	writeParam(&b, params)
	writeParam(&b, named)
	end := qctx.End
	if end <= 0 {
		end = NoEnd
	}
	fmt.Fprintf(&b, "%d-%d", qctx.Start, end)

	id := b.String()
	return &QueryKey{
		id:         id,
		hash:       xxhash.Sum64String(id),
		candidate:  qctx.CandidateType,
		accessPath: access,
		timeout:    minTimeout(access, repo),
		projection: qctx.IsProjection(),
		params:     params,
	}, true
}

// ID returns the canonical form of the key
func (k *QueryKey) ID() string { return k.id }

// Hash returns a 64-bit digest of the key
func (k *QueryKey) Hash() uint64 { return k.hash }

// Candidate returns the candidate type name
func (k *QueryKey) Candidate() string { return k.candidate }

// Timeout returns the result lifetime; types.NoTimeout when unbounded
func (k *QueryKey) Timeout() time.Duration { return k.timeout }

// Projection reports whether results hold projected rows
func (k *QueryKey) Projection() bool { return k.projection }

// Params returns the detached positional parameter values
func (k *QueryKey) Params() []interface{} { return k.params }

// Equal compares keys ignoring the access path
func (k *QueryKey) Equal(other *QueryKey) bool {
	return other != nil && k.id == other.id
}

// String returns a short printable form
func (k *QueryKey) String() string {
	return k.candidate + "#" + strconv.FormatUint(k.hash, 16)
}

// AccessPath returns the sorted access path type names
func (k *QueryKey) AccessPath() []string {
	out := make([]string, 0, len(k.accessPath))
	for t := range k.accessPath {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ChangeInvalidates reports whether a change to any of the given types
// affects this query.
func (k *QueryKey) ChangeInvalidates(changed map[string]struct{}) bool {
	if len(changed) < len(k.accessPath) {
		for t := range changed {
			if _, ok := k.accessPath[t]; ok {
				return true
			}
		}
		return false
	}
	for t := range k.accessPath {
		if _, ok := changed[t]; ok {
			return true
		}
	}
	return false
}

// minTimeout returns the smallest positive type timeout on the access path.
func minTimeout(access map[string]struct{}, repo types.MetaDataRepository) time.Duration {
	timeout := types.NoTimeout
	for t := range access {
		meta, ok := repo.Meta(t)
		if !ok || meta.CacheTimeout <= 0 {
			continue
		}
		if timeout == types.NoTimeout || meta.CacheTimeout < timeout {
			timeout = meta.CacheTimeout
		}
	}
	return timeout
}

// copyParam returns a detached copy of a parameter value, or false for values
// that cannot take part in a key.
func copyParam(v interface{}, resolver IdentityResolver) (interface{}, bool) {
	switch p := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Duration:
		return p, true
	case time.Time:
		return p, true
	case types.OID:
		return p, true
	case []byte:
		return append([]byte(nil), p...), true
	}

	if resolver != nil {
		if oid, ok := resolver.ObjectID(v); ok {
			return oid, true
		}
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := range out {
			cp, ok := copyParam(rv.Index(i).Interface(), resolver)
			if !ok {
				return nil, false
			}
			out[i] = cp
		}
		return out, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cp, ok := copyParam(iter.Value().Interface(), resolver)
			if !ok {
				return nil, false
			}
			out[iter.Key().String()] = cp
		}
		return out, true
	case reflect.String:
		return rv.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Bool:
		return rv.Bool(), true
	}
	return nil, false
}

// writeString writes s with a length prefix so that no content can be
// mistaken for a separator.
func writeString(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

// writeParam encodes a detached parameter value. Every value starts with a
// one-letter tag; strings are length prefixed and containers carry their
// element count, so distinct values never share an encoding.
func writeParam(b *strings.Builder, v interface{}) {
	switch p := v.(type) {
	case nil:
		b.WriteByte('n')
	case string:
		b.WriteByte('s')
		writeString(b, p)
	case []byte:
		b.WriteByte('x')
		writeString(b, string(p))
	case time.Time:
		fmt.Fprintf(b, "t%d;", p.UnixNano())
	case types.OID:
		b.WriteByte('o')
		writeString(b, p.Type)
		writeString(b, p.Key)
	case []interface{}:
		fmt.Fprintf(b, "l%d;", len(p))
		for _, e := range p {
			writeParam(b, e)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(p))
		for k := range p {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(b, "m%d;", len(keys))
		for _, k := range keys {
			writeString(b, k)
			writeParam(b, p[k])
		}
	default:
		// scalars: the type name keeps 1 and int64(1) apart
		b.WriteByte('v')
		writeString(b, fmt.Sprintf("%T", v))
		writeString(b, fmt.Sprint(v))
	}
}
