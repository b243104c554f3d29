/*
Package metrics defines the Prometheus collectors for Hutch.

Collectors are package-level variables registered against the default
registry at init, so importing any instrumented package wires its
metrics automatically. Handler returns the exposition handler served on
the dedicated metrics listener.

Families cover the queue (depth, submissions, requeues, dead-letters),
the pool (instances by state, scale actions, startup failures), the
scheduler (assignment counts, scheduling latency, processing time),
cost (accumulated spend, budget exhaustion), health probes, webhook
deliveries, events, and API requests.
*/
package metrics
