/*
Package storage persists jobs, instances, and cost ledgers.

The Store interface is backed by BoltStore, an embedded bbolt database
with one bucket per entity kind plus a sequence bucket for the per-type
submission counters. Values are JSON; writes are single-key
transactions.
*/
package storage
