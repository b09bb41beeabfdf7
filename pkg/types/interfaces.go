package types

// MetaDataRepository resolves persistent type metadata.
type MetaDataRepository interface {
	Meta(typeName string) (*TypeMeta, bool)
	// Subtypes returns every transitive subtype of typeName
	Subtypes(typeName string) []string
}

// PayloadKind describes what a remote commit event carries.
type PayloadKind int

const (
	// PayloadOIDs carries updated and deleted object ids
	PayloadOIDs PayloadKind = iota
	// PayloadExtents carries type names only
	PayloadExtents
	// PayloadOIDsAndExtents carries both
	PayloadOIDsAndExtents
)

// RemoteCommitEvent describes a transaction committed by some node.
type RemoteCommitEvent struct {
	NodeID  string      `json:"node_id"`
	Payload PayloadKind `json:"payload"`

	PersistedTypes []string `json:"persisted_types,omitempty"`
	UpdatedTypes   []string `json:"updated_types,omitempty"`
	DeletedTypes   []string `json:"deleted_types,omitempty"`

	AddedOIDs   []OID `json:"added_oids,omitempty"`
	UpdatedOIDs []OID `json:"updated_oids,omitempty"`
	DeletedOIDs []OID `json:"deleted_oids,omitempty"`
}

// HasOIDs reports whether the event carries object ids.
func (e *RemoteCommitEvent) HasOIDs() bool {
	return e.Payload == PayloadOIDs || e.Payload == PayloadOIDsAndExtents
}

// HasExtents reports whether the event carries type names.
func (e *RemoteCommitEvent) HasExtents() bool {
	return e.Payload == PayloadExtents || e.Payload == PayloadOIDsAndExtents
}

// ChangedTypes returns the set of types touched by the event, derived from
// type names and, when present, from object ids.
func (e *RemoteCommitEvent) ChangedTypes() map[string]struct{} {
	out := make(map[string]struct{})
	for _, list := range [][]string{e.PersistedTypes, e.UpdatedTypes, e.DeletedTypes} {
		for _, t := range list {
			out[t] = struct{}{}
		}
	}
	for _, list := range [][]OID{e.AddedOIDs, e.UpdatedOIDs, e.DeletedOIDs} {
		for _, oid := range list {
			out[oid.Type] = struct{}{}
		}
	}
	return out
}

// RemoteCommitListener receives commit events from this or other nodes.
type RemoteCommitListener interface {
	AfterCommit(ev *RemoteCommitEvent)
}

// TypesChangedEvent lists types whose persistent state changed.
type TypesChangedEvent struct {
	Types map[string]struct{}
}

// NewTypesChangedEvent builds an event from type names
func NewTypesChangedEvent(typeNames ...string) TypesChangedEvent {
	ev := TypesChangedEvent{Types: make(map[string]struct{}, len(typeNames))}
	for _, t := range typeNames {
		ev.Types[t] = struct{}{}
	}
	return ev
}

// Contains reports whether typeName changed.
func (e TypesChangedEvent) Contains(typeName string) bool {
	_, ok := e.Types[typeName]
	return ok
}

// TypesChangedListener is notified when types change.
type TypesChangedListener interface {
	OnTypesChanged(ev TypesChangedEvent)
}

// TypesChangedFunc adapts a function to TypesChangedListener.
type TypesChangedFunc func(ev TypesChangedEvent)

// OnTypesChanged implements TypesChangedListener
func (f TypesChangedFunc) OnTypesChanged(ev TypesChangedEvent) { f(ev) }
