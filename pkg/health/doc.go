/*
Package health probes worker instances and recovers their jobs.

The monitor runs on a fixed interval. Instances that miss a configured
number of consecutive health checks are retired through the pool, and
any job they held is requeued from the orphan channel. The same sweep
enforces per-type processing deadlines: a job running past
max_processing_seconds is requeued and its worker presumed stuck.

Recovery is at-least-once. An instance may have completed its job just
before being partitioned away, in which case the retry runs the job a
second time; the late completion report is discarded by the scheduler.
*/
package health
