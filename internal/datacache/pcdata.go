package datacache

import (
	"reflect"
	"time"

	"github.com/objectfs/datacache/pkg/types"
)

// PCData is the cached state of one entity instance.
type PCData struct {
	OID     types.OID              `json:"oid"`
	Version interface{}            `json:"version,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`

	// CacheName routes the data to a partition; empty means the default cache
	CacheName string `json:"cache_name,omitempty"`

	// Expires is set by the cache when the data is stored
	Expires time.Time `json:"expires,omitempty"`
}

// NewPCData creates entity data
func NewPCData(oid types.OID, version interface{}, fields map[string]interface{}) *PCData {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &PCData{OID: oid, Version: version, Fields: fields}
}

// Type returns the entity type name
func (d *PCData) Type() string {
	return d.OID.Type
}

// Expired implements cache.Expirable
func (d *PCData) Expired(now time.Time) bool {
	return !d.Expires.IsZero() && now.After(d.Expires)
}

// Clone returns a deep copy. Maps, slices and byte buffers are copied;
// other values are shared.
func (d *PCData) Clone() *PCData {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Version = cloneValue(d.Version)
	cp.Fields = make(map[string]interface{}, len(d.Fields))
	for k, v := range d.Fields {
		cp.Fields[k] = cloneValue(v)
	}
	return &cp
}

// Merge returns a copy of d with the named fields and the version taken from
// other.
func (d *PCData) Merge(other *PCData, fields []string) *PCData {
	merged := d.Clone()
	for _, f := range fields {
		if v, ok := other.Fields[f]; ok {
			merged.Fields[f] = cloneValue(v)
		} else {
			delete(merged.Fields, f)
		}
	}
	merged.Version = cloneValue(other.Version)
	return merged
}

func cloneValue(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64,
		time.Time, time.Duration, types.OID:
		return x
	case []byte:
		return append([]byte(nil), x...)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(out, rv)
		return out.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), iter.Value())
		}
		return out.Interface()
	}
	return v
}
