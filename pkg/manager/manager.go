package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/cost"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

var (
	// ErrInvalidType is returned for submissions naming an unknown job
	// type.
	ErrInvalidType = errors.New("invalid job type")

	// ErrBudgetExhausted is returned when pre-admission budget checking
	// is enabled and the type's hard limit is spent.
	ErrBudgetExhausted = errors.New("budget exhausted for job type")
)

// SubmitRequest carries a caller's job submission.
type SubmitRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	CallbackURL string          `json:"callback_url"`
}

// Manager is the orchestrator facade the external interface talks to.
// It owns admission (validation, budget pre-check) and read-side
// rollups; the queue, pool, scheduler, and autoscaler do the rest.
type Manager struct {
	store  storage.Store
	cfg    *config.Config
	queue  *queue.Manager
	pool   *pool.Pool
	cost   *cost.Tracker
	logger zerolog.Logger

	stopCh chan struct{}
}

// New creates a manager.
func New(store storage.Store, cfg *config.Config, q *queue.Manager, p *pool.Pool, ct *cost.Tracker) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		queue:  q,
		pool:   p,
		cost:   ct,
		logger: log.WithComponent("manager"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the retention janitor.
func (m *Manager) Start() {
	go m.janitorLoop()
}

// Stop stops the janitor.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// SubmitJob validates and enqueues a new job, returning its ID.
func (m *Manager) SubmitJob(req *SubmitRequest) (*types.Job, error) {
	jt := types.JobType(req.Type)
	if !jt.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}

	prio := types.ParsePriority(req.Priority)

	if m.cfg.PreAdmissionBudgetCheck && m.cost.IsOverBudget(jt) {
		return nil, fmt.Errorf("%w: %s", ErrBudgetExhausted, jt)
	}

	job := &types.Job{
		ID:          uuid.New().String(),
		Type:        jt,
		Payload:     req.Payload,
		Priority:    prio,
		CallbackURL: req.CallbackURL,
		CreatedAt:   time.Now(),
	}

	if _, err := m.queue.Enqueue(job); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("job_type", string(jt)).
		Str("priority", prio.String()).
		Msg("job submitted")
	return job, nil
}

// GetJob returns a job by ID.
func (m *Manager) GetJob(id string) (*types.Job, error) {
	return m.store.GetJob(id)
}

// CancelJob cancels a pending job. Jobs that already left the queue
// return queue.ErrNotCancellable.
func (m *Manager) CancelJob(id string) error {
	return m.queue.Cancel(id)
}

// ListJobs returns jobs filtered by type and/or status (empty filters
// match everything), newest first, capped at limit.
func (m *Manager) ListJobs(jobType, status string, limit int) ([]*types.Job, error) {
	jobs, err := m.store.ListJobs()
	if err != nil {
		return nil, err
	}

	out := jobs[:0]
	for _, job := range jobs {
		if jobType != "" && string(job.Type) != jobType {
			continue
		}
		if status != "" && string(job.Status) != status {
			continue
		}
		out = append(out, job)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TypeMetrics returns the operational rollup for one job type.
func (m *Manager) TypeMetrics(jobType types.JobType) (*types.TypeMetrics, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, jobType)
	}

	jobs, err := m.store.ListJobsByType(jobType)
	if err != nil {
		return nil, err
	}

	var completed, deadLettered int
	var processingSecs float64
	for _, job := range jobs {
		switch job.Status {
		case types.JobStatusCompleted:
			completed++
			if !job.AssignedAt.IsZero() && job.CompletedAt.After(job.AssignedAt) {
				processingSecs += job.CompletedAt.Sub(job.AssignedAt).Seconds()
			}
		case types.JobStatusDeadLettered:
			deadLettered++
		}
	}

	tm := &types.TypeMetrics{
		JobType:         jobType,
		QueueDepth:      m.queue.Depth(jobType),
		ActiveInstances: m.pool.ActiveCount(jobType),
		AccumulatedCost: m.cost.Snapshot(jobType).AccumulatedCost,
		BudgetRemaining: m.cost.RemainingBudget(jobType),
	}
	if completed > 0 {
		tm.AvgProcessingSeconds = processingSecs / float64(completed)
	}
	if settled := completed + deadLettered; settled > 0 {
		tm.SuccessRate = float64(completed) / float64(settled)
	}
	return tm, nil
}

// janitorLoop deletes terminal jobs older than the retention window.
// Dead-lettered jobs get the same window, long enough for inspection.
func (m *Manager) janitorLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepRetention()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepRetention() {
	retention := time.Duration(m.cfg.RetentionHours) * time.Hour
	if retention <= 0 {
		return
	}

	jobs, err := m.store.ListJobs()
	if err != nil {
		m.logger.Error().Err(err).Msg("retention sweep failed to list jobs")
		return
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, job := range jobs {
		if !job.Status.Terminal() {
			continue
		}
		ref := job.CompletedAt
		if ref.IsZero() {
			ref = job.CreatedAt
		}
		if ref.After(cutoff) {
			continue
		}
		if err := m.store.DeleteJob(job.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to delete expired job")
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("expired terminal jobs deleted")
	}
}
