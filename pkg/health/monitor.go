package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

// Monitor probes live instances, retires the ones that miss too many
// consecutive health checks, requeues the jobs they strand, and
// enforces per-type processing deadlines. A requeued job may have been
// mid-flight on a partitioned instance, so delivery is at-least-once
// by design of the retry path, not exactly-once.
type Monitor struct {
	store  storage.Store
	cfg    *config.Config
	queue  *queue.Manager
	pool   *pool.Pool
	rt     runtime.Runtime
	logger zerolog.Logger

	mu     sync.Mutex
	misses map[string]int // instance ID -> consecutive failed probes

	interval  time.Duration
	threshold int
	stopCh    chan struct{}
}

// New creates a health monitor.
func New(store storage.Store, cfg *config.Config, q *queue.Manager, p *pool.Pool, rt runtime.Runtime) *Monitor {
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	threshold := cfg.HealthFailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{
		store:     store,
		cfg:       cfg,
		queue:     q,
		pool:      p,
		rt:        rt,
		logger:    log.WithComponent("health"),
		misses:    make(map[string]int),
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the probe loop and the orphan consumer.
func (m *Monitor) Start() {
	go m.run()
	go m.consumeOrphans()
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep runs one full probe pass: health checks, resource snapshots,
// and processing-deadline enforcement.
func (m *Monitor) Sweep() {
	for _, jt := range types.AllJobTypes {
		for _, inst := range m.pool.Live(jt) {
			m.probe(inst)
		}
	}
	m.enforceDeadlines()
}

// probe health-checks one instance and counts consecutive misses.
// Starting instances are verified by the pool's own startup path and
// skipped here.
func (m *Monitor) probe(inst *types.Instance) {
	if inst.Handle == "" {
		return
	}
	switch inst.State {
	case types.InstanceStateIdle, types.InstanceStateBusy:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthy := m.rt.HealthCheck(ctx, inst.Handle)
	if healthy {
		if snap, err := m.rt.Usage(ctx, inst.Handle); err == nil {
			m.pool.UpdateUsage(inst.ID, snap)
		}
	}
	cancel()

	m.mu.Lock()
	if healthy {
		delete(m.misses, inst.ID)
		m.mu.Unlock()
		return
	}
	m.misses[inst.ID]++
	count := m.misses[inst.ID]
	m.mu.Unlock()

	metrics.HealthCheckFailures.WithLabelValues(string(inst.JobType)).Inc()
	m.logger.Warn().
		Str("instance_id", inst.ID).
		Str("job_type", string(inst.JobType)).
		Int("consecutive_misses", count).
		Msg("health check failed")

	if count >= m.threshold {
		m.mu.Lock()
		delete(m.misses, inst.ID)
		m.mu.Unlock()
		if err := m.pool.MarkUnhealthy(inst.ID); err != nil {
			m.logger.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to retire unhealthy instance")
		}
	}
}

// enforceDeadlines requeues processing jobs that have exceeded their
// type's max processing time and retires the instance holding them.
func (m *Monitor) enforceDeadlines() {
	jobs, err := m.store.ListJobsByStatus(types.JobStatusProcessing)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list processing jobs")
		return
	}

	now := time.Now()
	for _, job := range jobs {
		limit := m.cfg.Type(job.Type).MaxProcessing()
		if limit <= 0 || now.Sub(job.AssignedAt) < limit {
			continue
		}

		m.logger.Warn().
			Str("job_id", job.ID).
			Str("job_type", string(job.Type)).
			Str("instance_id", job.ContainerID).
			Dur("elapsed", now.Sub(job.AssignedAt)).
			Msg("processing deadline exceeded")

		reason := &types.JobError{
			Code:    "TIMEOUT",
			Message: fmt.Sprintf("job exceeded max processing time of %s", limit),
			At:      now,
		}
		if err := m.queue.Requeue(job.ID, reason); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue timed-out job")
			continue
		}
		// The worker is presumed stuck; retire it so a fresh instance
		// picks up the retry. The orphan requeue that follows is a
		// no-op because the job already left the processing state.
		if job.ContainerID != "" {
			_ = m.pool.MarkUnhealthy(job.ContainerID)
		}
	}
}

// consumeOrphans requeues jobs stranded by retired instances.
func (m *Monitor) consumeOrphans() {
	for {
		select {
		case jobID := <-m.pool.Orphans():
			reason := &types.JobError{
				Code:    "INSTANCE_UNHEALTHY",
				Message: "instance retired while job was in flight",
				At:      time.Now(),
			}
			if err := m.queue.Requeue(jobID, reason); err != nil {
				m.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to requeue orphaned job")
				continue
			}
			m.logger.Info().Str("job_id", jobID).Msg("orphaned job requeued")
		case <-m.stopCh:
			return
		}
	}
}
