package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/cost"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
	"github.com/wrenlabs/hutch/pkg/webhook"
)

// Scheduler matches pending jobs to idle container instances. It is
// the single logical coordinator: only the scheduler dequeues jobs and
// binds them to instances, so the same job can never be assigned to
// two instances nor two jobs to the same idle instance.
type Scheduler struct {
	store    storage.Store
	cfg      *config.Config
	queue    *queue.Manager
	pool     *pool.Pool
	cost     *cost.Tracker
	rt       runtime.Runtime
	notifier *webhook.Notifier
	broker   *events.Broker
	logger   zerolog.Logger

	// hints carries urgent scale-up requests to the autoscaler. It
	// raises the priority of the next evaluation without bypassing
	// the cooldown.
	hints chan types.JobType

	interval time.Duration
	stopCh   chan struct{}
}

// New creates a scheduler.
func New(store storage.Store, cfg *config.Config, q *queue.Manager, p *pool.Pool, ct *cost.Tracker, rt runtime.Runtime, notifier *webhook.Notifier, broker *events.Broker) *Scheduler {
	interval := time.Duration(cfg.SchedulerIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		store:    store,
		cfg:      cfg,
		queue:    q,
		pool:     p,
		cost:     ct,
		rt:       rt,
		notifier: notifier,
		broker:   broker,
		logger:   log.WithComponent("scheduler"),
		hints:    make(chan types.JobType, 16),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Hints returns the urgent scale-up hint channel consumed by the
// autoscaler.
func (s *Scheduler) Hints() <-chan types.JobType {
	return s.hints
}

// run is the main loop. It wakes on the tick interval, on new work,
// and on every asynchronous worker report.
func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.schedule()
		case <-s.queue.Wake():
			s.schedule()
		case res := <-s.rt.Results():
			s.handleResult(res)
			s.schedule()
		case <-s.stopCh:
			return
		}
	}
}

// schedule performs one scheduling cycle over every job type.
func (s *Scheduler) schedule() {
	start := time.Now()
	defer func() {
		metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	}()

	for _, jt := range types.AllJobTypes {
		if s.queue.Depth(jt) == 0 {
			continue
		}
		s.scheduleType(jt)
	}
}

// scheduleType drains the type's pending queue onto idle instances.
func (s *Scheduler) scheduleType(jt types.JobType) {
	maxReplicas := s.cfg.Type(jt).Scaling.MaxReplicas

	for {
		inst := s.pool.Assign(jt)
		if inst == nil {
			if s.queue.Depth(jt) > 0 && s.pool.Replicas(jt) < maxReplicas {
				s.hint(jt)
			}
			// At max_replicas the jobs simply stay pending; that is
			// backpressure, not an error.
			return
		}

		job, err := s.queue.Dequeue(jt)
		if err != nil {
			s.logger.Error().Err(err).Str("job_type", string(jt)).Msg("dequeue failed")
			s.pool.Release(inst.ID)
			return
		}
		if job == nil {
			s.pool.Release(inst.ID)
			return
		}

		if !s.bind(job, inst) {
			return
		}
	}
}

// bind assigns a job to a reserved instance and dispatches it. A false
// return ends the cycle for this type; the job was either restored to
// its queue or handed to the health path for requeueing.
func (s *Scheduler) bind(job *types.Job, inst *types.Instance) bool {
	job.Status = types.JobStatusAssigned
	job.ContainerID = inst.ID
	job.AssignedAt = time.Now()

	if err := s.store.UpdateJob(job); err != nil {
		// The store still says pending; put the queue entry back so the
		// job is not stranded until a restart.
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist assignment")
		job.Status = types.JobStatusPending
		job.ContainerID = ""
		job.AssignedAt = time.Time{}
		s.queue.Restore(job)
		s.pool.Release(inst.ID)
		return false
	}
	s.pool.Bind(inst.ID, job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.rt.Dispatch(ctx, inst.Handle, job)
	cancel()
	if err != nil {
		// The instance refused work; treat it like a health failure so
		// the orphaned job is requeued.
		s.logger.Error().Err(err).
			Str("job_id", job.ID).
			Str("instance_id", inst.ID).
			Msg("dispatch failed, marking instance unhealthy")
		_ = s.pool.MarkUnhealthy(inst.ID)
		return false
	}

	job.Status = types.JobStatusProcessing
	if err := s.store.UpdateJob(job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist processing state")
	}

	metrics.JobsAssigned.WithLabelValues(string(job.Type)).Inc()
	s.logger.Debug().
		Str("job_id", job.ID).
		Str("instance_id", inst.ID).
		Str("job_type", string(job.Type)).
		Msg("job dispatched")

	s.broker.Publish(&events.Event{
		Type:    events.EventJobAssigned,
		Message: "job " + job.ID + " assigned to instance " + inst.ID,
		Metadata: map[string]string{
			"job_id": job.ID, "instance_id": inst.ID, "job_type": string(job.Type),
		},
	})
	return true
}

// handleResult consumes one asynchronous worker report and settles the
// job: cost recording, terminal transition or retry, instance release,
// and webhook notification.
func (s *Scheduler) handleResult(res *runtime.Result) {
	job, err := s.store.GetJob(res.JobID)
	if err != nil {
		s.logger.Warn().Str("job_id", res.JobID).Msg("report for unknown job, dropping")
		return
	}

	if job.Status != types.JobStatusProcessing && job.Status != types.JobStatusAssigned {
		// Late or duplicate report (e.g. the job was already requeued
		// after a health failure). The poll interface stays
		// authoritative; the stale report is ignored.
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("stale worker report ignored")
		return
	}

	instanceID := job.ContainerID

	// Cost accrues for the container time consumed, success or not.
	elapsed := time.Since(job.AssignedAt)
	amount := s.cost.JobCost(job.Type, elapsed)
	job.CostEstimate += amount
	if err := s.cost.RecordCost(job.Type, amount); err != nil {
		s.logger.Error().Err(err).Str("job_type", string(job.Type)).Msg("failed to record cost")
	}
	metrics.ProcessingSeconds.WithLabelValues(string(job.Type)).Observe(elapsed.Seconds())

	if res.Err == nil {
		job.Status = types.JobStatusCompleted
		job.CompletedAt = time.Now()
		job.Result = res.Output
		job.Error = nil
		job.ContainerID = ""
		if err := s.store.UpdateJob(job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist completion")
		}

		metrics.JobsCompleted.WithLabelValues(string(job.Type), "success").Inc()
		s.broker.Publish(&events.Event{
			Type:    events.EventJobCompleted,
			Message: "job " + job.ID + " completed",
			Metadata: map[string]string{
				"job_id": job.ID, "job_type": string(job.Type),
			},
		})
		s.notifier.Notify(job)
	} else {
		job.Status = types.JobStatusFailed
		job.Error = res.Err
		if err := s.store.UpdateJob(job); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist failure")
		}

		metrics.JobsCompleted.WithLabelValues(string(job.Type), "failure").Inc()
		s.broker.Publish(&events.Event{
			Type:    events.EventJobFailed,
			Message: "job " + job.ID + " failed: " + res.Err.Message,
			Metadata: map[string]string{
				"job_id": job.ID, "job_type": string(job.Type),
			},
		})

		// Permanent errors dead-letter immediately; transient ones
		// requeue with backoff until max_attempts.
		if err := s.queue.Requeue(job.ID, res.Err); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("requeue failed")
		}

		if settled, err := s.store.GetJob(job.ID); err == nil && settled.Status.Terminal() {
			s.notifier.Notify(settled)
		}
	}

	if instanceID != "" {
		s.pool.Release(instanceID)
	}
}

// hint nudges the autoscaler for the type without blocking.
func (s *Scheduler) hint(jt types.JobType) {
	select {
	case s.hints <- jt:
	default:
	}
}
