package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

func newTestTracker(t *testing.T, cfg *config.Config) (*Tracker, storage.Store, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	tracker, err := NewTracker(store, cfg, broker)
	require.NoError(t, err)
	return tracker, store, broker
}

func TestJobCost(t *testing.T) {
	cfg := config.Default()
	cfg.Type(types.JobTypeVideo).HourlyRate = 3.6
	tracker, _, _ := newTestTracker(t, cfg)

	tests := []struct {
		name     string
		elapsed  time.Duration
		expected float64
	}{
		{"one hour costs the hourly rate", time.Hour, 3.6},
		{"half hour costs half", 30 * time.Minute, 1.8},
		{"ten seconds", 10 * time.Second, 0.01},
		{"zero time is free", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tracker.JobCost(types.JobTypeVideo, tt.elapsed), 1e-9)
		})
	}
}

func TestRecordCostAccumulatesAndPersists(t *testing.T) {
	cfg := config.Default()
	tracker, store, _ := newTestTracker(t, cfg)

	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 10))
	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 5))

	snap := tracker.Snapshot(types.JobTypeVideo)
	assert.InDelta(t, 15.0, snap.AccumulatedCost, 1e-9)

	persisted, err := store.GetLedger(types.JobTypeVideo)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, persisted.AccumulatedCost, 1e-9)
}

func TestAccumulationSurvivesRestart(t *testing.T) {
	cfg := config.Default()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	t1, err := NewTracker(store, cfg, broker)
	require.NoError(t, err)
	require.NoError(t, t1.RecordCost(types.JobTypeMedia, 42))

	t2, err := NewTracker(store, cfg, broker)
	require.NoError(t, err)
	assert.InDelta(t, 42.0, t2.Snapshot(types.JobTypeMedia).AccumulatedCost, 1e-9)
}

func TestBudgetThresholds(t *testing.T) {
	cfg := config.Default()
	cfg.Type(types.JobTypeVideo).BudgetSoftLimit = 8
	cfg.Type(types.JobTypeVideo).BudgetHardLimit = 10
	tracker, _, _ := newTestTracker(t, cfg)

	assert.False(t, tracker.IsOverBudget(types.JobTypeVideo))
	assert.InDelta(t, 10.0, tracker.RemainingBudget(types.JobTypeVideo), 1e-9)

	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 9))
	assert.False(t, tracker.IsOverBudget(types.JobTypeVideo))
	assert.InDelta(t, 1.0, tracker.RemainingBudget(types.JobTypeVideo), 1e-9)

	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 2))
	assert.True(t, tracker.IsOverBudget(types.JobTypeVideo))
	assert.Zero(t, tracker.RemainingBudget(types.JobTypeVideo))
}

func TestNoHardLimitMeansUnlimited(t *testing.T) {
	cfg := config.Default()
	cfg.Type(types.JobTypeCodeExec).BudgetSoftLimit = 0
	cfg.Type(types.JobTypeCodeExec).BudgetHardLimit = 0
	tracker, _, _ := newTestTracker(t, cfg)

	require.NoError(t, tracker.RecordCost(types.JobTypeCodeExec, 1e6))
	assert.False(t, tracker.IsOverBudget(types.JobTypeCodeExec))
	assert.Negative(t, tracker.RemainingBudget(types.JobTypeCodeExec))
}

// The soft-limit crossing warns once, not on every subsequent charge.
func TestSoftLimitEventFiresOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Type(types.JobTypeVideo).BudgetSoftLimit = 5
	cfg.Type(types.JobTypeVideo).BudgetHardLimit = 100
	tracker, _, broker := newTestTracker(t, cfg)

	sub := broker.Subscribe()
	t.Cleanup(func() { broker.Unsubscribe(sub) })

	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 6))
	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 6))

	warns := 0
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventBudgetSoftLimit {
				warns++
			}
		case <-deadline:
			assert.Equal(t, 1, warns)
			return
		}
	}
}

func TestResetClearsAccumulation(t *testing.T) {
	cfg := config.Default()
	tracker, _, _ := newTestTracker(t, cfg)

	require.NoError(t, tracker.RecordCost(types.JobTypeVideo, 50))
	require.NoError(t, tracker.Reset(types.JobTypeVideo))

	assert.Zero(t, tracker.Snapshot(types.JobTypeVideo).AccumulatedCost)
	assert.False(t, tracker.IsOverBudget(types.JobTypeVideo))
}
