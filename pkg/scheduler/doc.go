/*
Package scheduler implements the matching loop between pending jobs and
idle worker instances.

The scheduler is the only component that dequeues jobs and the only one
that transitions instances idle -> busy through Assign, which makes
double-assignment impossible without distributed locking: one logical
dequeuer per type, one atomic reservation per instance.

# Cycle

The loop wakes on a fixed interval, on queue activity, and on every
asynchronous worker report:

 1. For each job type with queue depth > 0, reserve an idle instance.
 2. Dequeue the highest-priority job and persist the assignment.
 3. Dispatch the job to the worker; the call returns immediately.
 4. When no idle instance exists and the pool is below max_replicas,
    send an urgent hint to the autoscaler.

Worker reports settle jobs: successes store the result, failures route
through the queue's retry/dead-letter logic, and both record the
container time consumed against the type's cost ledger. Reports for
jobs that already left the processing state (for example requeued after
a health failure) are ignored; the persisted job record stays
authoritative.
*/
package scheduler
