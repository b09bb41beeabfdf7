package querycache

import (
	"time"
)

// QueryResult is a materialised query result: object ids for entity
// queries, detached rows for projections.
type QueryResult struct {
	key       *QueryKey
	rows      []interface{}
	timestamp int64
	expires   time.Time
}

// NewQueryResult creates a result materialised at ts
func NewQueryResult(key *QueryKey, rows []interface{}, ts time.Time) *QueryResult {
	return &QueryResult{
		key:       key,
		rows:      rows,
		timestamp: ts.UnixMilli(),
	}
}

// Key returns the key the result was computed for
func (r *QueryResult) Key() *QueryKey { return r.key }

// Len returns the number of rows
func (r *QueryResult) Len() int { return len(r.rows) }

// Row returns the stored row at i
func (r *QueryResult) Row(i int) interface{} { return r.rows[i] }

// Timestamp returns the materialisation time in unix milliseconds
func (r *QueryResult) Timestamp() int64 { return r.timestamp }

// Expired implements cache.Expirable
func (r *QueryResult) Expired(now time.Time) bool {
	return !r.expires.IsZero() && now.After(r.expires)
}

// withExpiry returns a copy expiring after timeout, or r when unbounded.
func (r *QueryResult) withExpiry(now time.Time, timeout time.Duration) *QueryResult {
	if timeout <= 0 {
		return r
	}
	cp := *r
	cp.expires = now.Add(timeout)
	return &cp
}
