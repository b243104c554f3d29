/*
Package queue provides the priority job queues and dead-letter routing
for Hutch.

Each job type owns an independent pending queue, ordered by priority
(high > normal > low) with FIFO ordering inside a priority class. The
queue is the single source of truth for which jobs are eligible to run;
the persisted job status and queue membership are always updated under
the same per-type lock.

# Architecture

	┌───────────────────────────────────────────────────────┐
	│                    Queue Manager                      │
	│                                                       │
	│   video      document    ai-inference   media   ...   │
	│  ┌───────┐  ┌───────┐   ┌───────┐     ┌───────┐       │
	│  │ heap  │  │ heap  │   │ heap  │     │ heap  │       │
	│  │ p,seq │  │ p,seq │   │ p,seq │     │ p,seq │       │
	│  └───┬───┘  └───┬───┘   └───┬───┘     └───┬───┘       │
	└──────┼──────────┼───────────┼─────────────┼───────────┘
	       │          │           │             │
	       ▼          ▼           ▼             ▼
	              Dequeue (scheduler loop only)

Every entry carries the job's priority and a per-type sequence number
allocated at submission. The heap orders by (priority desc, seq asc),
which yields strict FIFO within a priority class even across retries:
a retried job keeps its original sequence number.

# Retry and Dead-Letter Flow

Failed jobs return through Requeue, which increments the attempt
counter and re-inserts the job after an exponential backoff
(base * 2^(attempts-1), capped). Insertion is deferred with a timer so
the scheduler loop never sleeps on a backoff.

Jobs leave the retry loop in two ways:

  - attempts exceeds the type's max_attempts
  - the failure is permanent (e.g. an unprocessable payload)

Both routes end in the dead-letter state, where jobs are retained for
inspection and never automatically re-enqueued.

Requeue is idempotent: a job that is already pending or terminal is
left untouched, so a race between the health monitor and a late worker
failure report cannot double-count an attempt.

# Crash Recovery

Queue contents are not persisted separately; the persisted job records
are authoritative. On startup the manager reloads every pending job
from the store and rebuilds the heaps, preserving (priority, seq)
ordering.
*/
package queue
