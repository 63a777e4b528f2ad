// Package redisstore persists sessions in Redis as one serialized blob per
// session under a namespaced key, with the key TTL carrying the inactivity
// timeout and Redis set keys carrying the principal index.
//
// Consistency model: Redis expires the primary record natively; index sets
// are maintained by the same Lua script or pipeline that performs the save
// or delete, and are treated as hints on lookup — dangling ids are resolved
// against the primary key and pruned. The [ExpirationListener] reacts to
// keyspace expiry notifications for low-latency index cleanup, and the
// sweep remains the correctness backstop against lost notifications.
package redisstore
