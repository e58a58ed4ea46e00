// Package storage provides SecretStore implementations and a factory for
// selecting one from configuration.
//
// Two backends are available:
//
//   - MemoryStore: an in-process map guarded by a mutex, for development and
//     tests.
//   - RedisStore: the production backend. Records are JSON values keyed by
//     secret id, with two secondary indexes - a set of active ids and a
//     sorted set of active ids scored by the check-in deadline - so the
//     scheduler's "all active secrets with nextCheckIn <= now" query is a
//     single range read.
//
// Both implement Update as a compare-and-swap on Secret.Version. The Redis
// backend uses optimistic WATCH transactions, so conditional updates remain
// correct when multiple scheduler processes race against owner check-ins.
package storage
