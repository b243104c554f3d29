package manager

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/cost"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, storage.Store, *cost.Tracker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	q, err := queue.NewManager(store, cfg, broker)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	p := pool.New(store, cfg, runtime.NewFakeRuntime(), broker)
	tracker, err := cost.NewTracker(store, cfg, broker)
	require.NoError(t, err)

	return New(store, cfg, q, p, tracker), store, tracker
}

func TestSubmitJob(t *testing.T) {
	m, store, _ := newTestManager(t, config.Default())

	job, err := m.SubmitJob(&SubmitRequest{
		Type:     "video",
		Payload:  json.RawMessage(`{"src":"s3://bucket/clip.mov"}`),
		Priority: "high",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, types.JobStatusPending, job.Status)
	assert.Equal(t, types.PriorityHigh, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)

	persisted, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobTypeVideo, persisted.Type)
}

func TestSubmitJobRejectsUnknownType(t *testing.T) {
	m, _, _ := newTestManager(t, config.Default())

	_, err := m.SubmitJob(&SubmitRequest{Type: "quantum-annealing"})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestSubmitJobDefaultsPriorityToNormal(t *testing.T) {
	m, _, _ := newTestManager(t, config.Default())

	job, err := m.SubmitJob(&SubmitRequest{Type: "document"})
	require.NoError(t, err)
	assert.Equal(t, types.PriorityNormal, job.Priority)
}

func TestPreAdmissionBudgetCheck(t *testing.T) {
	cfg := config.Default()
	cfg.PreAdmissionBudgetCheck = true
	m, _, tracker := newTestManager(t, cfg)

	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 100))

	_, err := m.SubmitJob(&SubmitRequest{Type: "video"})
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	// Other types are unaffected.
	_, err = m.SubmitJob(&SubmitRequest{Type: "document"})
	assert.NoError(t, err)
}

func TestListJobsFilters(t *testing.T) {
	m, store, _ := newTestManager(t, config.Default())

	for i, req := range []*SubmitRequest{
		{Type: "video"},
		{Type: "video"},
		{Type: "document"},
	} {
		job, err := m.SubmitJob(req)
		require.NoError(t, err)
		if i == 0 {
			job.Status = types.JobStatusCompleted
			require.NoError(t, store.UpdateJob(job))
		}
	}

	all, err := m.ListJobs("", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	video, err := m.ListJobs("video", "", 0)
	require.NoError(t, err)
	assert.Len(t, video, 2)

	pendingVideo, err := m.ListJobs("video", "pending", 0)
	require.NoError(t, err)
	assert.Len(t, pendingVideo, 1)

	limited, err := m.ListJobs("", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestTypeMetricsRollup(t *testing.T) {
	m, store, tracker := newTestManager(t, config.Default())

	now := time.Now()
	jobs := []*types.Job{
		{ID: "c1", Type: types.JobTypeVideo, Status: types.JobStatusCompleted, AssignedAt: now.Add(-20 * time.Second), CompletedAt: now},
		{ID: "c2", Type: types.JobTypeVideo, Status: types.JobStatusCompleted, AssignedAt: now.Add(-10 * time.Second), CompletedAt: now},
		{ID: "d1", Type: types.JobTypeVideo, Status: types.JobStatusDeadLettered},
		{ID: "p1", Type: types.JobTypeVideo, Status: types.JobStatusPending},
	}
	for _, j := range jobs {
		require.NoError(t, store.CreateJob(j))
	}
	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 25))

	tm, err := m.TypeMetrics(types.JobTypeVideo)
	require.NoError(t, err)

	assert.InDelta(t, 15.0, tm.AvgProcessingSeconds, 0.5)
	assert.InDelta(t, 2.0/3.0, tm.SuccessRate, 0.01)
	assert.InDelta(t, 25.0, tm.AccumulatedCost, 1e-9)
	assert.InDelta(t, 75.0, tm.BudgetRemaining, 1e-9)
}

func TestTypeMetricsRejectsUnknownType(t *testing.T) {
	m, _, _ := newTestManager(t, config.Default())
	_, err := m.TypeMetrics(types.JobType("nope"))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestRetentionSweepDeletesOldTerminalJobs(t *testing.T) {
	cfg := config.Default()
	cfg.RetentionHours = 1
	m, store, _ := newTestManager(t, cfg)

	old := time.Now().Add(-2 * time.Hour)
	jobs := []*types.Job{
		{ID: "expired", Type: types.JobTypeVideo, Status: types.JobStatusCompleted, CompletedAt: old},
		{ID: "fresh", Type: types.JobTypeVideo, Status: types.JobStatusCompleted, CompletedAt: time.Now()},
		{ID: "running", Type: types.JobTypeVideo, Status: types.JobStatusProcessing, CreatedAt: old},
	}
	for _, j := range jobs {
		require.NoError(t, store.CreateJob(j))
	}

	m.sweepRetention()

	_, err := store.GetJob("expired")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetJob("fresh")
	assert.NoError(t, err)

	// Non-terminal jobs are never swept, no matter their age.
	_, err = store.GetJob("running")
	assert.NoError(t, err)
}
