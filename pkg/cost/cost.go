package cost

import (
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

// Tracker accumulates estimated spend per job type and enforces the
// soft/hard budget thresholds. It is written only by completion
// reporting; the autoscaler reads but never writes, which breaks the
// apparent cycle between the two.
type Tracker struct {
	store  storage.Store
	cfg    *config.Config
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	ledgers map[types.JobType]*types.CostLedger

	// softWarned suppresses repeated soft-limit events per type.
	softWarned map[types.JobType]bool
}

// NewTracker loads persisted ledgers (or seeds them from config) for
// every job type.
func NewTracker(store storage.Store, cfg *config.Config, broker *events.Broker) (*Tracker, error) {
	t := &Tracker{
		store:      store,
		cfg:        cfg,
		broker:     broker,
		logger:     log.WithComponent("cost"),
		ledgers:    make(map[types.JobType]*types.CostLedger),
		softWarned: make(map[types.JobType]bool),
	}

	for _, jt := range types.AllJobTypes {
		tc := cfg.Type(jt)
		ledger, err := store.GetLedger(jt)
		if err != nil {
			ledger = &types.CostLedger{JobType: jt}
		}
		// Limits always come from config; only the accumulation is
		// durable state.
		ledger.SoftLimit = tc.BudgetSoftLimit
		ledger.HardLimit = tc.BudgetHardLimit
		t.ledgers[jt] = ledger

		metrics.AccumulatedCost.WithLabelValues(string(jt)).Set(ledger.AccumulatedCost)
		if ledger.OverHardLimit() {
			metrics.BudgetExhausted.WithLabelValues(string(jt)).Set(1)
		}
	}

	return t, nil
}

// JobCost estimates the spend for a job that consumed the given
// container time: container_seconds / 3600 * hourly_rate.
func (t *Tracker) JobCost(jobType types.JobType, containerTime time.Duration) float64 {
	rate := t.cfg.Type(jobType).HourlyRate
	return containerTime.Seconds() / 3600.0 * rate
}

// RecordCost adds spend to the type's ledger. Partial jobs that fail
// still incur the cost of resources consumed up to failure.
func (t *Tracker) RecordCost(jobType types.JobType, amount float64) error {
	if amount <= 0 {
		return nil
	}

	t.mu.Lock()
	ledger := t.ledgers[jobType]
	ledger.AccumulatedCost += amount
	ledger.UpdatedAt = time.Now()
	cp := *ledger
	warnSoft := ledger.OverSoftLimit() && !t.softWarned[jobType]
	if warnSoft {
		t.softWarned[jobType] = true
	}
	t.mu.Unlock()

	if err := t.store.PutLedger(&cp); err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}

	metrics.AccumulatedCost.WithLabelValues(string(jobType)).Set(cp.AccumulatedCost)
	if cp.OverHardLimit() {
		metrics.BudgetExhausted.WithLabelValues(string(jobType)).Set(1)
	}

	if warnSoft {
		t.logger.Warn().
			Str("job_type", string(jobType)).
			Float64("accumulated", cp.AccumulatedCost).
			Float64("soft_limit", cp.SoftLimit).
			Msg("budget soft limit crossed")
		t.broker.Publish(&events.Event{
			Type:    events.EventBudgetSoftLimit,
			Message: fmt.Sprintf("%s spend %.2f crossed soft limit %.2f", jobType, cp.AccumulatedCost, cp.SoftLimit),
			Metadata: map[string]string{
				"job_type": string(jobType),
			},
		})
	}
	if cp.OverHardLimit() {
		t.broker.Publish(&events.Event{
			Type:    events.EventBudgetHardLimit,
			Message: fmt.Sprintf("%s spend %.2f reached hard limit %.2f, scale-up blocked", jobType, cp.AccumulatedCost, cp.HardLimit),
			Metadata: map[string]string{
				"job_type": string(jobType),
			},
		})
	}

	return nil
}

// RemainingBudget returns hard_limit - accumulated, floored at zero.
// Types with no hard limit report a negative value meaning unlimited.
func (t *Tracker) RemainingBudget(jobType types.JobType) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ledger := t.ledgers[jobType]
	if ledger.HardLimit <= 0 {
		return -1
	}
	remaining := ledger.HardLimit - ledger.AccumulatedCost
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsOverBudget reports whether the hard limit is reached. Consulted by
// the autoscaler before any scale-up; never forces scale-down of
// already-running work.
func (t *Tracker) IsOverBudget(jobType types.JobType) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ledgers[jobType].OverHardLimit()
}

// Snapshot returns a copy of the type's ledger.
func (t *Tracker) Snapshot(jobType types.JobType) types.CostLedger {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.ledgers[jobType]
}

// Reset zeroes the accumulation for a type (administrative action).
func (t *Tracker) Reset(jobType types.JobType) error {
	t.mu.Lock()
	ledger := t.ledgers[jobType]
	ledger.AccumulatedCost = 0
	ledger.UpdatedAt = time.Now()
	t.softWarned[jobType] = false
	cp := *ledger
	t.mu.Unlock()

	metrics.AccumulatedCost.WithLabelValues(string(jobType)).Set(0)
	metrics.BudgetExhausted.WithLabelValues(string(jobType)).Set(0)
	return t.store.PutLedger(&cp)
}
