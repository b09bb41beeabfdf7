// Package remote propagates commit events between nodes sharing a
// database, so each node can invalidate its caches. Events carry the
// publishing node's id and a node ignores its own.
package remote
