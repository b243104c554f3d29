package autoscaler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/cost"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/pool"
	"github.com/wrenlabs/hutch/pkg/queue"
	"github.com/wrenlabs/hutch/pkg/types"
)

// hysteresis band: scale up above 110% of target, down below 50%.
// Anything in between holds, so replica counts do not flap.
const (
	upFactor   = 1.10
	downFactor = 0.50
)

// Autoscaler adjusts per-type replica counts from three signals: mean
// CPU, mean memory, and queue depth. Budget state gates scale-up;
// scale-down is always allowed.
type Autoscaler struct {
	cfg    *config.Config
	queue  *queue.Manager
	pool   *pool.Pool
	cost   *cost.Tracker
	broker *events.Broker
	logger zerolog.Logger

	// hints receives urgent scale-up requests from the scheduler when a
	// job found no idle instance.
	hints <-chan types.JobType

	mu         sync.Mutex
	lastAction map[types.JobType]time.Time

	interval time.Duration
	stopCh   chan struct{}
}

// decision is the outcome of one evaluation.
type decision int

const (
	decisionHold decision = iota
	decisionUp
	decisionDown
)

// New creates an autoscaler. hints may be nil.
func New(cfg *config.Config, q *queue.Manager, p *pool.Pool, ct *cost.Tracker, broker *events.Broker, hints <-chan types.JobType) *Autoscaler {
	interval := time.Duration(cfg.AutoscalerIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Autoscaler{
		cfg:        cfg,
		queue:      q,
		pool:       p,
		cost:       ct,
		broker:     broker,
		logger:     log.WithComponent("autoscaler"),
		hints:      hints,
		lastAction: make(map[types.JobType]time.Time),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the evaluation loop.
func (a *Autoscaler) Start() {
	go a.run()
}

// Stop stops the evaluation loop.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
}

func (a *Autoscaler) run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, jt := range types.AllJobTypes {
				a.Evaluate(jt)
			}
		case jt := <-a.hints:
			// An urgent hint evaluates the type immediately but still
			// honors the cooldown.
			a.Evaluate(jt)
		case <-a.stopCh:
			return
		}
	}
}

// Evaluate runs one scaling evaluation for the type and applies the
// outcome. Exported for the management API's manual trigger.
func (a *Autoscaler) Evaluate(jobType types.JobType) {
	tc := a.cfg.Type(jobType)
	policy := tc.Scaling

	if a.cooling(jobType, policy.Cooldown()) {
		return
	}

	cpu, mem := a.pool.AvgUsage(jobType)
	depth := a.queue.Depth(jobType)
	replicas := a.pool.Replicas(jobType)

	switch a.decide(&policy, cpu, mem, depth, replicas) {
	case decisionUp:
		if a.cost.IsOverBudget(jobType) {
			// Hard budget blocks growth only. Running work and
			// scale-down are unaffected.
			a.logger.Warn().
				Str("job_type", string(jobType)).
				Int("queue_depth", depth).
				Msg("scale-up wanted but budget exhausted")
			return
		}
		if n := a.pool.ScaleUp(jobType, policy.ScaleUpStep); n > 0 {
			a.actioned(jobType)
			a.logger.Info().
				Str("job_type", string(jobType)).
				Int("added", n).
				Float64("cpu_pct", cpu).
				Float64("mem_pct", mem).
				Int("queue_depth", depth).
				Msg("scaled up")
			a.broker.Publish(&events.Event{
				Type:    events.EventScaleUp,
				Message: fmt.Sprintf("scaled %s up by %d (cpu %.0f%%, mem %.0f%%, depth %d)", jobType, n, cpu, mem, depth),
				Metadata: map[string]string{
					"job_type": string(jobType),
				},
			})
		}
	case decisionDown:
		// Never drop below the replica floor; the step shrinks to
		// whatever room remains above min_replicas.
		step := policy.ScaleDownStep
		if room := replicas - policy.MinReplicas; step > room {
			step = room
		}
		if n := a.pool.ScaleDown(jobType, step); n > 0 {
			a.actioned(jobType)
			a.logger.Info().
				Str("job_type", string(jobType)).
				Int("removed", n).
				Msg("scaled down")
			a.broker.Publish(&events.Event{
				Type:    events.EventScaleDown,
				Message: fmt.Sprintf("scaled %s down by %d", jobType, n),
				Metadata: map[string]string{
					"job_type": string(jobType),
				},
			})
		}
	}
}

// decide applies the hysteresis rules. Scale up when any signal
// exceeds 110% of its target; scale down only when every signal is
// below 50% of its target and the floor allows it.
func (a *Autoscaler) decide(policy *types.ScalingPolicy, cpu, mem float64, depth, replicas int) decision {
	over := false
	if policy.TargetCPUPct > 0 && cpu > policy.TargetCPUPct*upFactor {
		over = true
	}
	if policy.TargetMemPct > 0 && mem > policy.TargetMemPct*upFactor {
		over = true
	}
	if policy.TargetQueueDepth > 0 && float64(depth) > float64(policy.TargetQueueDepth)*upFactor {
		over = true
	}
	if over && replicas < policy.MaxReplicas {
		return decisionUp
	}

	if replicas <= policy.MinReplicas || replicas == 0 {
		return decisionHold
	}
	under := cpu < policy.TargetCPUPct*downFactor &&
		mem < policy.TargetMemPct*downFactor &&
		float64(depth) < float64(policy.TargetQueueDepth)*downFactor
	if under {
		return decisionDown
	}
	return decisionHold
}

// cooling reports whether the type is still inside its cooldown
// window. Only actioned decisions arm the cooldown; holds do not.
func (a *Autoscaler) cooling(jobType types.JobType, cooldown time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastAction[jobType]
	return ok && time.Since(last) < cooldown
}

func (a *Autoscaler) actioned(jobType types.JobType) {
	a.mu.Lock()
	a.lastAction[jobType] = time.Now()
	a.mu.Unlock()
}
