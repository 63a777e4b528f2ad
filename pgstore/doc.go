// Package pgstore persists sessions in PostgreSQL across two tables: a
// sessions row carrying identity, timing, and the denormalized principal
// name, and one session_attributes row per attribute in the shared binary
// value form. Saves are delta-based, writing only metadata and the
// attributes touched since the last save.
//
// Expiry is lazy plus swept: reads discard and delete rows whose expiry
// instant has passed, and CleanupExpiredSessions bulk-deletes them so a
// [sessions.Sweeper] can retire sessions nobody reads.
package pgstore
