package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

var (
	// ErrNotCancellable is returned when cancelling a job that has
	// already been assigned or finished.
	ErrNotCancellable = errors.New("job is not pending, cannot cancel")
)

// Manager maintains one priority-ordered pending queue per job type
// plus the dead-letter routing for exhausted or permanently failed
// jobs. All queue mutations keep the persisted job status and queue
// membership in agreement: the two are updated under the same per-type
// lock.
type Manager struct {
	store  storage.Store
	cfg    *config.Config
	broker *events.Broker
	logger zerolog.Logger

	queues map[types.JobType]*typeQueue

	// wakeCh nudges the scheduler when new work arrives.
	wakeCh chan struct{}

	timersMu sync.Mutex
	timers   map[string]*time.Timer // deferred re-enqueues by job ID
	closed   bool
}

// typeQueue is the pending queue for a single job type. Each type has
// its own lock, so cross-type operations never contend. Entries whose
// job is no longer pending are dropped lazily at Dequeue.
type typeQueue struct {
	mu   sync.Mutex
	heap jobHeap
}

// item is one pending queue entry. Ordering is (priority desc, seq asc).
type item struct {
	jobID    string
	priority types.Priority
	seq      uint64
}

type jobHeap []item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(item)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// NewManager creates a queue manager. Jobs left pending in the store
// from a previous run are re-inserted into their queues.
func NewManager(store storage.Store, cfg *config.Config, broker *events.Broker) (*Manager, error) {
	m := &Manager{
		store:  store,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("queue"),
		queues: make(map[types.JobType]*typeQueue),
		wakeCh: make(chan struct{}, 1),
		timers: make(map[string]*time.Timer),
	}

	for _, jt := range types.AllJobTypes {
		m.queues[jt] = &typeQueue{}
	}

	if err := m.recover(); err != nil {
		return nil, err
	}

	return m, nil
}

// recover reloads pending jobs from the store after a restart.
func (m *Manager) recover() error {
	pending, err := m.store.ListJobsByStatus(types.JobStatusPending)
	if err != nil {
		return fmt.Errorf("failed to recover pending jobs: %w", err)
	}

	for _, job := range pending {
		q := m.queues[job.Type]
		if q == nil {
			continue
		}
		q.mu.Lock()
		heap.Push(&q.heap, item{jobID: job.ID, priority: job.Priority, seq: job.Seq})
		q.mu.Unlock()
	}

	if len(pending) > 0 {
		m.logger.Info().Int("count", len(pending)).Msg("recovered pending jobs")
	}
	m.refreshDepths()
	return nil
}

// Wake returns a channel that receives a nudge whenever work is added.
// The channel is buffered with capacity 1; extra nudges coalesce.
func (m *Manager) Wake() <-chan struct{} {
	return m.wakeCh
}

func (m *Manager) nudge() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Enqueue persists the job and inserts it into its type's pending
// queue. The job must already carry an ID, type, and payload; Enqueue
// assigns the sequence number and pending status.
func (m *Manager) Enqueue(job *types.Job) (string, error) {
	if !job.Type.Valid() {
		return "", fmt.Errorf("invalid job type: %s", job.Type)
	}

	seq, err := m.store.NextSeq(job.Type)
	if err != nil {
		return "", fmt.Errorf("failed to allocate sequence: %w", err)
	}

	job.Seq = seq
	job.Status = types.JobStatusPending
	if job.MaxAttempts == 0 {
		job.MaxAttempts = m.cfg.Type(job.Type).MaxAttempts
	}

	q := m.queues[job.Type]
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := m.store.CreateJob(job); err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	heap.Push(&q.heap, item{jobID: job.ID, priority: job.Priority, seq: job.Seq})

	metrics.JobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	metrics.QueueDepth.WithLabelValues(string(job.Type)).Set(float64(q.heap.Len()))

	m.broker.Publish(&events.Event{
		Type:    events.EventJobSubmitted,
		Message: fmt.Sprintf("job %s submitted (%s, %s)", job.ID, job.Type, job.Priority),
		Metadata: map[string]string{
			"job_id": job.ID, "job_type": string(job.Type),
		},
	})

	m.nudge()
	return job.ID, nil
}

// Dequeue pops the highest-priority pending job for the type, or nil
// if the queue is empty. The caller (the scheduler loop) is the only
// dequeuer, so a returned job cannot be handed out twice.
func (m *Manager) Dequeue(jobType types.JobType) (*types.Job, error) {
	q := m.queues[jobType]
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(item)

		job, err := m.store.GetJob(it.jobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted under us, skip
			}
			return nil, err
		}
		if job.Status != types.JobStatusPending {
			// Stale entry; status changed outside the queue path.
			continue
		}

		metrics.QueueDepth.WithLabelValues(string(jobType)).Set(float64(q.heap.Len()))
		return job, nil
	}

	return nil, nil
}

// Restore puts a dequeued job back into its pending queue without
// touching attempts or status. The job keeps its original sequence
// number, so its position among equal-priority jobs is preserved. Used
// when an assignment could not be persisted and the job never left the
// pending state in the store.
func (m *Manager) Restore(job *types.Job) {
	q := m.queues[job.Type]
	if q == nil {
		return
	}
	q.mu.Lock()
	heap.Push(&q.heap, item{jobID: job.ID, priority: job.Priority, seq: job.Seq})
	metrics.QueueDepth.WithLabelValues(string(job.Type)).Set(float64(q.heap.Len()))
	q.mu.Unlock()
	m.nudge()
}

// Requeue returns a failed or orphaned job to its pending queue after
// the retry backoff, incrementing attempts. Jobs that exhaust
// max_attempts or fail permanently are dead-lettered instead.
//
// Requeue is idempotent: a job already pending is left untouched, so a
// race between the health monitor and a worker failure report cannot
// double-increment attempts.
func (m *Manager) Requeue(jobID string, reason *types.JobError) error {
	q, job, err := m.lockJob(jobID)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()

	if job.Status == types.JobStatusPending || job.Status.Terminal() {
		return nil
	}

	job.Attempts++
	job.ContainerID = ""
	job.Error = reason

	if reason != nil && reason.Permanent {
		return m.deadLetterLocked(q, job, reason)
	}
	if job.Attempts > job.MaxAttempts {
		return m.deadLetterLocked(q, job, reason)
	}

	// Mark pending now; queue insertion is deferred by the backoff
	// timer so the scheduler loop never sleeps.
	job.Status = types.JobStatusPending
	if err := m.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to persist requeue: %w", err)
	}

	backoff := m.cfg.Type(job.Type).Backoff(job.Attempts)
	m.logger.Info().
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Dur("backoff", backoff).
		Msg("job requeued")

	metrics.JobsRequeued.WithLabelValues(string(job.Type)).Inc()
	m.broker.Publish(&events.Event{
		Type:    events.EventJobRequeued,
		Message: fmt.Sprintf("job %s requeued (attempt %d)", job.ID, job.Attempts),
		Metadata: map[string]string{
			"job_id": job.ID, "job_type": string(job.Type),
		},
	})

	m.scheduleInsert(job, backoff)
	return nil
}

// scheduleInsert arms the deferred-enqueue timer for a retried job.
func (m *Manager) scheduleInsert(job *types.Job, delay time.Duration) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if m.closed {
		return
	}

	jobID, jobType := job.ID, job.Type
	priority, seq := job.Priority, job.Seq
	m.timers[jobID] = time.AfterFunc(delay, func() {
		m.timersMu.Lock()
		delete(m.timers, jobID)
		m.timersMu.Unlock()

		q := m.queues[jobType]
		q.mu.Lock()
		heap.Push(&q.heap, item{jobID: jobID, priority: priority, seq: seq})
		metrics.QueueDepth.WithLabelValues(string(jobType)).Set(float64(q.heap.Len()))
		q.mu.Unlock()

		m.nudge()
	})
}

// DeadLetter routes a job to the dead-letter queue. Dead-lettered jobs
// are retained for inspection and never automatically re-enqueued.
func (m *Manager) DeadLetter(jobID string, reason *types.JobError) error {
	q, job, err := m.lockJob(jobID)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()

	if job.Status.Terminal() {
		return nil
	}
	return m.deadLetterLocked(q, job, reason)
}

func (m *Manager) deadLetterLocked(q *typeQueue, job *types.Job, reason *types.JobError) error {
	job.Status = types.JobStatusDeadLettered
	job.CompletedAt = time.Now()
	job.ContainerID = ""
	if reason != nil {
		job.Error = reason
	}

	if err := m.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to persist dead-letter: %w", err)
	}

	m.logger.Warn().
		Str("job_id", job.ID).
		Int("attempts", job.Attempts).
		Msg("job dead-lettered")

	metrics.JobsDeadLettered.WithLabelValues(string(job.Type)).Inc()
	m.broker.Publish(&events.Event{
		Type:    events.EventJobDeadLettered,
		Message: fmt.Sprintf("job %s dead-lettered after %d attempts", job.ID, job.Attempts),
		Metadata: map[string]string{
			"job_id": job.ID, "job_type": string(job.Type),
		},
	})
	return nil
}

// Cancel withdraws a pending job. Assigned or processing jobs cannot
// be cancelled; they run to completion so workers are never
// interrupted mid-execution.
func (m *Manager) Cancel(jobID string) error {
	q, job, err := m.lockJob(jobID)
	if err != nil {
		return err
	}
	defer q.mu.Unlock()

	if job.Status != types.JobStatusPending {
		return ErrNotCancellable
	}

	job.Status = types.JobStatusCancelled
	job.CompletedAt = time.Now()

	if err := m.store.UpdateJob(job); err != nil {
		return fmt.Errorf("failed to persist cancel: %w", err)
	}

	m.timersMu.Lock()
	if t, ok := m.timers[jobID]; ok {
		t.Stop()
		delete(m.timers, jobID)
	}
	m.timersMu.Unlock()

	m.broker.Publish(&events.Event{
		Type:    events.EventJobCancelled,
		Message: fmt.Sprintf("job %s cancelled", job.ID),
		Metadata: map[string]string{
			"job_id": job.ID, "job_type": string(job.Type),
		},
	})
	return nil
}

// Depth returns the number of jobs currently waiting in the type's
// pending queue. Jobs in retry backoff are not counted until their
// timer fires.
func (m *Manager) Depth(jobType types.JobType) int {
	q := m.queues[jobType]
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// lockJob loads the job and acquires its type queue lock. The caller
// must unlock q.mu.
func (m *Manager) lockJob(jobID string) (*typeQueue, *types.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	q := m.queues[job.Type]
	if q == nil {
		return nil, nil, fmt.Errorf("invalid job type: %s", job.Type)
	}

	q.mu.Lock()
	// Reload under the lock; status may have moved.
	job, err = m.store.GetJob(jobID)
	if err != nil {
		q.mu.Unlock()
		return nil, nil, err
	}
	return q, job, nil
}

func (m *Manager) refreshDepths() {
	for _, jt := range types.AllJobTypes {
		metrics.QueueDepth.WithLabelValues(string(jt)).Set(float64(m.Depth(jt)))
	}
}

// Close stops all deferred-enqueue timers.
func (m *Manager) Close() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
