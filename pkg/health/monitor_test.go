package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

type fixture struct {
	monitor *Monitor
	store   storage.Store
	queue   *queue.Manager
	pool    *pool.Pool
	rt      *runtime.FakeRuntime
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	q, err := queue.NewManager(store, cfg, broker)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	rt := runtime.NewFakeRuntime()
	p := pool.New(store, cfg, rt, broker)

	m := New(store, cfg, q, p, rt)
	m.Start()
	t.Cleanup(m.Stop)

	return &fixture{monitor: m, store: store, queue: q, pool: p, rt: rt, cfg: cfg}
}

// startBusyInstance boots one instance and puts a processing job on it.
func (f *fixture) startBusyInstance(t *testing.T, jobID string) *types.Instance {
	t.Helper()
	f.pool.ScaleUp(types.JobTypeVideo, 1)
	require.Eventually(t, func() bool {
		return f.pool.ActiveCount(types.JobTypeVideo) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.queue.Enqueue(&types.Job{
		ID:        jobID,
		Type:      types.JobTypeVideo,
		Priority:  types.PriorityNormal,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	inst := f.pool.Assign(types.JobTypeVideo)
	require.NotNil(t, inst)
	f.pool.Bind(inst.ID, jobID)

	job, err := f.store.GetJob(jobID)
	require.NoError(t, err)
	job.Status = types.JobStatusProcessing
	job.ContainerID = inst.ID
	job.AssignedAt = time.Now()
	require.NoError(t, f.store.UpdateJob(job))

	// Drain the queue entry the scheduler would have taken.
	_, err = f.queue.Dequeue(types.JobTypeVideo)
	require.NoError(t, err)
	return inst
}

// Three consecutive missed probes retire the instance and requeue its
// job with attempts incremented.
func TestConsecutiveFailuresRetireInstance(t *testing.T) {
	f := newFixture(t)
	inst := f.startBusyInstance(t, "orphan-job")

	f.rt.SetHealthy(inst.Handle, false)

	f.monitor.Sweep()
	f.monitor.Sweep()
	assert.Equal(t, 1, f.pool.Replicas(types.JobTypeVideo), "two misses are not enough")

	f.monitor.Sweep()
	assert.Equal(t, 0, f.pool.Replicas(types.JobTypeVideo))

	require.Eventually(t, func() bool {
		job, err := f.store.GetJob("orphan-job")
		return err == nil && job.Status == types.JobStatusPending && job.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// A successful probe resets the consecutive-miss counter.
func TestRecoveryResetsMissCounter(t *testing.T) {
	f := newFixture(t)
	inst := f.startBusyInstance(t, "flaky-job")

	f.rt.SetHealthy(inst.Handle, false)
	f.monitor.Sweep()
	f.monitor.Sweep()

	f.rt.SetHealthy(inst.Handle, true)
	f.monitor.Sweep()

	f.rt.SetHealthy(inst.Handle, false)
	f.monitor.Sweep()
	f.monitor.Sweep()

	assert.Equal(t, 1, f.pool.Replicas(types.JobTypeVideo), "counter should have reset on recovery")
}

// Healthy probes feed resource snapshots into the pool.
func TestProbeRecordsUsage(t *testing.T) {
	f := newFixture(t)
	inst := f.startBusyInstance(t, "usage-job")

	f.rt.SetUsage(inst.Handle, 55, 35)
	f.monitor.Sweep()

	cpu, mem := f.pool.AvgUsage(types.JobTypeVideo)
	assert.InDelta(t, 55.0, cpu, 0.01)
	assert.InDelta(t, 35.0, mem, 0.01)
}

// Jobs past their processing deadline are requeued and their worker is
// presumed stuck.
func TestProcessingDeadlineRequeues(t *testing.T) {
	f := newFixture(t)
	f.cfg.Type(types.JobTypeVideo).MaxProcessingSeconds = 1
	f.startBusyInstance(t, "stuck-job")

	job, err := f.store.GetJob("stuck-job")
	require.NoError(t, err)
	job.AssignedAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.UpdateJob(job))

	f.monitor.Sweep()

	got, err := f.store.GetJob("stuck-job")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Error)
	assert.Equal(t, "TIMEOUT", got.Error.Code)

	assert.Equal(t, 0, f.pool.Replicas(types.JobTypeVideo))
}

// Jobs within their deadline are left alone.
func TestDeadlineSparesHealthyJobs(t *testing.T) {
	f := newFixture(t)
	f.startBusyInstance(t, "fine-job")

	f.monitor.Sweep()

	got, err := f.store.GetJob("fine-job")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusProcessing, got.Status)
	assert.Zero(t, got.Attempts)
}
