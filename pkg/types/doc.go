/*
Package types provides the shared value types and collaborator interfaces of the data cache.

The cache layer sits between a persistence runtime and its data store. It never
sees the runtime directly; it sees the small contracts declared here.

# Object identity

OID names an entity instance by concrete type and key. It is comparable and is
used directly as a map key by every entity cache.

# Metadata

MetaDataRepository resolves TypeMeta by type name: the cache name a type is
assigned to, its cacheability annotation, the entry timeout and the supertype.
StaticRepository is an in-memory implementation suitable for configuration
driven setups and tests:

	repo := types.NewStaticRepository(
		&types.TypeMeta{Name: "Person", CacheTimeout: time.Minute},
		&types.TypeMeta{Name: "Employee", Super: "Person"},
	)

# Events

RemoteCommitEvent describes a committed transaction (type names, object ids or
both) and TypesChangedEvent carries the set of changed types used to invalidate
query results.

# Versions

CompareVersions orders integer, float, string and time versions and reports
VersionSame or VersionDifferent for anything else.
*/
package types
