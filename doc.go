// Package sessions decouples an application's notion of a user session from
// the storage backend that durably holds it. It provides the session data
// model ([MapSession]), the pluggable repository contract
// ([SessionRepository], [IndexedSessionRepository]), lifecycle event
// dispatch, and the proactive expiration sweep ([Sweeper]).
//
// Concrete backends live in sub-packages: redisstore persists sessions as
// TTL-bearing blobs with set-based principal indexes, pgstore persists one
// row per session plus one row per attribute.
//
// # Architecture boundaries
//
// The root package never touches a backend client directly. Backends depend
// on this package, never the other way around, and each exposes only its
// Repository type and configuration — encoding details and key/table layout
// stay private.
//
// # Ownership contract
//
// A [Session] handed to a caller is a working copy. Mutations are tracked in
// memory and become durable only on Save. The repository exclusively owns
// the authoritative copy in the backend store.
package sessions
