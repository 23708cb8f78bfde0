// Package stores provides the persistence layer for leasekeeper.
//
// SQLiteStore keeps leases, blueprints with their deployment targets, and
// deployment history in a single SQLite database opened in WAL mode with
// immediate transactions. Mutable entities carry a LastEditTime token used
// for optimistic concurrency; health counters are only changed through
// in-place increments inside the transaction that closes a deployment
// attempt. Listings use opaque keyset cursors.
package stores
