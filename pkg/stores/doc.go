// Package stores provides the durable state store for specflow.
//
// SQLiteStore keeps work items, their append-only execution records, drift
// events, alignment reports, write leases, the event log and the decision
// audit trail in a single SQLite database (pure Go driver, WAL mode, embedded
// migrations). MemoryStore implements the same contract in memory for tests
// and dry runs.
//
// Every mutation of an item or report happens under a lease row keyed by
// "item/<id>" or "report/<id>". A lease is claimed with one conditional
// upsert that only succeeds when the key is free or its expiry has passed, so
// a crashed writer blocks a key for at most its TTL.
package stores
