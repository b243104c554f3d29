package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

func newTestPool(t *testing.T) (*Pool, *runtime.FakeRuntime, *config.Config) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	rt := runtime.NewFakeRuntime()
	p := New(store, cfg, rt, broker)
	return p, rt, cfg
}

func waitIdle(t *testing.T, p *Pool, jt types.JobType, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		idle := 0
		for _, inst := range p.Live(jt) {
			if inst.State == types.InstanceStateIdle {
				idle++
			}
		}
		return idle >= n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScaleUpLaunchesIdleInstances(t *testing.T) {
	p, rt, _ := newTestPool(t)

	launched := p.ScaleUp(types.JobTypeVideo, 2)
	assert.Equal(t, 2, launched)

	waitIdle(t, p, types.JobTypeVideo, 2)
	assert.Equal(t, 2, rt.Running())
	assert.Equal(t, 2, p.Replicas(types.JobTypeVideo))
}

func TestScaleUpCapsAtMaxReplicas(t *testing.T) {
	p, _, cfg := newTestPool(t)
	cfg.Type(types.JobTypeVideo).Scaling.MaxReplicas = 3

	launched := p.ScaleUp(types.JobTypeVideo, 10)
	assert.Equal(t, 3, launched)

	// A second request has no room left.
	waitIdle(t, p, types.JobTypeVideo, 3)
	assert.Equal(t, 0, p.ScaleUp(types.JobTypeVideo, 1))
}

func TestAssignReservesExactlyOnce(t *testing.T) {
	p, _, _ := newTestPool(t)

	p.ScaleUp(types.JobTypeVideo, 1)
	waitIdle(t, p, types.JobTypeVideo, 1)

	first := p.Assign(types.JobTypeVideo)
	require.NotNil(t, first)
	assert.Equal(t, types.InstanceStateBusy, first.State)

	// The only instance is busy now.
	assert.Nil(t, p.Assign(types.JobTypeVideo))

	p.Release(first.ID)
	second := p.Assign(types.JobTypeVideo)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

// Scale-down must never interrupt a busy instance; the unfilled
// remainder drains later, when the instance finishes its job.
func TestScaleDownSparesBusyInstances(t *testing.T) {
	p, _, _ := newTestPool(t)

	p.ScaleUp(types.JobTypeVideo, 2)
	waitIdle(t, p, types.JobTypeVideo, 2)

	busy := p.Assign(types.JobTypeVideo)
	require.NotNil(t, busy)

	drained := p.ScaleDown(types.JobTypeVideo, 2)
	assert.Equal(t, 1, drained, "only the idle instance may drain")

	// The busy instance is untouched.
	live := p.Live(types.JobTypeVideo)
	require.Len(t, live, 1)
	assert.Equal(t, busy.ID, live[0].ID)
	assert.Equal(t, types.InstanceStateBusy, live[0].State)

	// On release the deferred scale-down takes the instance.
	p.Release(busy.ID)
	require.Eventually(t, func() bool {
		return len(p.Live(types.JobTypeVideo)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

// A scale-down request larger than the room above min_replicas is
// clamped: the floor survives and no drain debt is banked against it.
func TestScaleDownRespectsMinReplicas(t *testing.T) {
	p, _, cfg := newTestPool(t)
	cfg.Type(types.JobTypeVideo).Scaling.MinReplicas = 1

	p.ScaleUp(types.JobTypeVideo, 3)
	waitIdle(t, p, types.JobTypeVideo, 3)

	drained := p.ScaleDown(types.JobTypeVideo, 5)
	assert.Equal(t, 2, drained)
	assert.Equal(t, 1, p.Replicas(types.JobTypeVideo))

	// A release must not consume leftover debt below the floor.
	inst := p.Assign(types.JobTypeVideo)
	require.NotNil(t, inst)
	p.Release(inst.ID)
	assert.Equal(t, 1, p.Replicas(types.JobTypeVideo))

	// Nothing left to drain above the floor.
	assert.Equal(t, 0, p.ScaleDown(types.JobTypeVideo, 1))
}

// Deferred drains owed for busy instances also stop at the floor.
func TestDeferredScaleDownStopsAtFloor(t *testing.T) {
	p, _, cfg := newTestPool(t)
	cfg.Type(types.JobTypeVideo).Scaling.MinReplicas = 1

	p.ScaleUp(types.JobTypeVideo, 3)
	waitIdle(t, p, types.JobTypeVideo, 3)

	first := p.Assign(types.JobTypeVideo)
	require.NotNil(t, first)
	second := p.Assign(types.JobTypeVideo)
	require.NotNil(t, second)

	// Room above the floor is 2: the lone idle instance drains now and
	// one drain is deferred to the next release.
	drained := p.ScaleDown(types.JobTypeVideo, 5)
	assert.Equal(t, 1, drained)
	assert.Equal(t, 2, p.Replicas(types.JobTypeVideo))

	p.Release(first.ID)
	assert.Equal(t, 1, p.Replicas(types.JobTypeVideo))

	// The floor is reached; the second release stays idle.
	p.Release(second.ID)
	assert.Equal(t, 1, p.Replicas(types.JobTypeVideo))
}

func TestMarkUnhealthyOrphansJob(t *testing.T) {
	p, _, _ := newTestPool(t)

	p.ScaleUp(types.JobTypeVideo, 1)
	waitIdle(t, p, types.JobTypeVideo, 1)

	inst := p.Assign(types.JobTypeVideo)
	require.NotNil(t, inst)
	p.Bind(inst.ID, "job-42")

	require.NoError(t, p.MarkUnhealthy(inst.ID))

	select {
	case jobID := <-p.Orphans():
		assert.Equal(t, "job-42", jobID)
	case <-time.After(time.Second):
		t.Fatal("expected orphaned job on the channel")
	}

	assert.Equal(t, 0, p.Replicas(types.JobTypeVideo))
}

func TestMarkUnhealthyUnknownInstance(t *testing.T) {
	p, _, _ := newTestPool(t)
	assert.Error(t, p.MarkUnhealthy("ghost"))
}

// A failed startup is retried once before the type is declared
// faulted.
func TestStartupFailureRetriesOnce(t *testing.T) {
	p, rt, _ := newTestPool(t)

	rt.StartErr = errors.New("image pull failed")
	p.ScaleUp(types.JobTypeVideo, 1)

	// First attempt consumed the injected error, the retry succeeds.
	waitIdle(t, p, types.JobTypeVideo, 1)
	assert.False(t, p.Faulted(types.JobTypeVideo))
}

// failingRuntime never starts a container, so both the first attempt
// and the retry fail.
type failingRuntime struct {
	*runtime.FakeRuntime
}

func (f *failingRuntime) Start(ctx context.Context, jobType types.JobType, image string) (string, error) {
	return "", errors.New("no capacity")
}

func TestRepeatedStartupFailureIsPlatformFault(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	rt := &failingRuntime{runtime.NewFakeRuntime()}
	p := New(store, config.Default(), rt, broker)

	p.ScaleUp(types.JobTypeVideo, 1)
	require.Eventually(t, func() bool {
		return p.Faulted(types.JobTypeVideo)
	}, 2*time.Second, 10*time.Millisecond)

	// Faulted types refuse further scale-up until cleared.
	assert.Equal(t, 0, p.ScaleUp(types.JobTypeVideo, 1))
	p.ClearFault(types.JobTypeVideo)
	assert.False(t, p.Faulted(types.JobTypeVideo))
}

// Instances idle past sleep_after_seconds drain down to min_replicas.
func TestIdleSweepScalesToZero(t *testing.T) {
	p, _, cfg := newTestPool(t)
	cfg.Type(types.JobTypeVideo).SleepAfterSeconds = 1
	cfg.Type(types.JobTypeVideo).Scaling.MinReplicas = 0

	p.ScaleUp(types.JobTypeVideo, 2)
	waitIdle(t, p, types.JobTypeVideo, 2)

	// Backdate the idle timestamps instead of sleeping.
	part := p.partitions[types.JobTypeVideo]
	part.mu.Lock()
	for _, inst := range part.instances {
		inst.LastActiveAt = time.Now().Add(-time.Minute)
	}
	part.mu.Unlock()

	p.sweepIdle()
	assert.Empty(t, p.Live(types.JobTypeVideo))
}

func TestIdleSweepRespectsMinReplicas(t *testing.T) {
	p, _, cfg := newTestPool(t)
	cfg.Type(types.JobTypeVideo).SleepAfterSeconds = 1
	cfg.Type(types.JobTypeVideo).Scaling.MinReplicas = 1

	p.ScaleUp(types.JobTypeVideo, 2)
	waitIdle(t, p, types.JobTypeVideo, 2)

	part := p.partitions[types.JobTypeVideo]
	part.mu.Lock()
	for _, inst := range part.instances {
		inst.LastActiveAt = time.Now().Add(-time.Minute)
	}
	part.mu.Unlock()

	p.sweepIdle()
	assert.Len(t, p.Live(types.JobTypeVideo), 1)
}

func TestAvgUsage(t *testing.T) {
	p, _, _ := newTestPool(t)

	p.ScaleUp(types.JobTypeVideo, 2)
	waitIdle(t, p, types.JobTypeVideo, 2)

	live := p.Live(types.JobTypeVideo)
	require.Len(t, live, 2)
	p.UpdateUsage(live[0].ID, types.ResourceSnapshot{CPUPct: 40, MemoryPct: 20, ObservedAt: time.Now()})
	p.UpdateUsage(live[1].ID, types.ResourceSnapshot{CPUPct: 80, MemoryPct: 60, ObservedAt: time.Now()})

	cpu, mem := p.AvgUsage(types.JobTypeVideo)
	assert.InDelta(t, 60.0, cpu, 0.01)
	assert.InDelta(t, 40.0, mem, 0.01)
}
