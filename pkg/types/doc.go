/*
Package types defines the core data structures shared across Hutch.

This package is the foundation of the domain model: jobs, worker
container instances, scaling policies, and cost ledgers, plus the enums
that drive the two state machines.

# Jobs

A Job moves through:

	pending ──► assigned ──► processing ──► completed
	   ▲                         │
	   └───── (retry backoff) ── failed ──► dead_lettered
	   │
	cancelled (from pending only)

completed, dead_lettered, and cancelled are terminal. A job's Seq is
its per-type enqueue sequence; together with Priority it fixes the
job's queue position, and it survives retries so retried jobs keep
their place among equals.

# Instances

A ContainerInstance is type-specific and holds at most one job at a
time (CurrentJobID). Its states are defined in the pool package's
lifecycle; this package only carries the enum.

JobError distinguishes transient failures (retried with backoff) from
permanent ones (Permanent == true, dead-lettered immediately).

All types serialize to JSON for storage and the HTTP API.
*/
package types
