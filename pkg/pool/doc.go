/*
Package pool manages the per-type fleets of worker container instances.

Each job type has its own partition with its own lock; operations on
different types never contend. The pool owns the instance lifecycle and
exposes atomic reservation (Assign) to the scheduler.

# Instance Lifecycle

	 cold ──► starting ──► idle ◄──► busy
	                        │          │
	                        ▼          │ (unhealthy)
	                     draining ◄────┘
	                        │
	                        ▼
	                     stopped

Transitions:

  - cold -> starting: the container is being created and booted.
  - starting -> idle: the runtime health check passed within the
    startup timeout.
  - idle -> busy: Assign reserved the instance for a job.
  - busy -> idle: Release after the job settled.
  - idle -> draining: scale-down or idle timeout; busy instances are
    never selected.
  - any -> stopped: MarkUnhealthy forces retirement; a held job is
    delivered on the Orphans channel for requeueing.

# Startup Failures

A failed boot (error or health verification timeout) is retried once.
A second consecutive failure is treated as a platform fault: the
partition refuses further scale-up and raises an operator alert until
ClearFault.

# Scale-Down Semantics

ScaleDown drains idle instances only and never takes the partition
below min_replicas. When fewer idle instances exist than the bounded
request, the remainder is recorded and consumed as busy instances
release: the next Release drains instead of going idle, again stopping
at the floor. The idle-timeout sweep (sleep_after_seconds) is a
separate path that scales quiet partitions to zero, respecting
min_replicas.
*/
package pool
