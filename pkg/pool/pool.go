package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/config"
	"github.com/wrenlabs/hutch/pkg/events"
	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/metrics"
	"github.com/wrenlabs/hutch/pkg/runtime"
	"github.com/wrenlabs/hutch/pkg/storage"
	"github.com/wrenlabs/hutch/pkg/types"
)

// Pool tracks live worker instances per job type and drives their
// lifecycle: cold -> starting -> idle <-> busy -> draining -> stopped.
// Each job type has its own partition with its own lock, so cross-type
// operations never contend.
type Pool struct {
	store  storage.Store
	cfg    *config.Config
	rt     runtime.Runtime
	broker *events.Broker
	logger zerolog.Logger

	partitions map[types.JobType]*partition

	stopCh   chan struct{}
	stopOnce sync.Once

	// orphans delivers job IDs stranded by MarkUnhealthy so the health
	// monitor can requeue them.
	orphans chan string
}

// partition is the per-type instance registry.
type partition struct {
	mu        sync.Mutex
	jobType   types.JobType
	instances map[string]*types.Instance

	// deferredDown is the scale-down remainder owed when not enough
	// idle instances existed; consumed on the next idle transition.
	deferredDown int

	// startFailures counts consecutive failed instance startups. Two
	// in a row is treated as a platform fault.
	startFailures int
	faulted       bool
}

// New creates a pool manager over the given runtime.
func New(store storage.Store, cfg *config.Config, rt runtime.Runtime, broker *events.Broker) *Pool {
	p := &Pool{
		store:      store,
		cfg:        cfg,
		rt:         rt,
		broker:     broker,
		logger:     log.WithComponent("pool"),
		partitions: make(map[types.JobType]*partition),
		stopCh:     make(chan struct{}),
		orphans:    make(chan string, 64),
	}
	for _, jt := range types.AllJobTypes {
		p.partitions[jt] = &partition{
			jobType:   jt,
			instances: make(map[string]*types.Instance),
		}
	}
	return p
}

// Start launches the idle-timeout sweep loop.
func (p *Pool) Start() {
	go p.sweepLoop()
}

// Stop halts the sweep loop and stops all live containers.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, part := range p.partitions {
		part.mu.Lock()
		for _, inst := range part.instances {
			if inst.Handle != "" {
				_ = p.rt.Stop(ctx, inst.Handle)
			}
			inst.State = types.InstanceStateStopped
			_ = p.store.UpdateInstance(inst)
		}
		part.mu.Unlock()
	}
}

// Orphans is the channel of job IDs stranded by unhealthy instances.
// Consumed by the health monitor for requeueing.
func (p *Pool) Orphans() <-chan string {
	return p.orphans
}

// ScaleUp launches up to n new instances for the type, capped at
// max_replicas. Returns the number actually launched; the excess is
// silently capped, not queued.
func (p *Pool) ScaleUp(jobType types.JobType, n int) int {
	part := p.partitions[jobType]
	tc := p.cfg.Type(jobType)

	part.mu.Lock()
	if part.faulted {
		part.mu.Unlock()
		p.logger.Warn().Str("job_type", string(jobType)).Msg("scale-up refused: platform fault")
		return 0
	}

	room := tc.Scaling.MaxReplicas - liveLocked(part)
	if n > room {
		n = room
	}

	var launched []*types.Instance
	for i := 0; i < n; i++ {
		inst := &types.Instance{
			ID:        uuid.New().String(),
			JobType:   jobType,
			State:     types.InstanceStateCold,
			StartedAt: time.Now(),
		}
		part.instances[inst.ID] = inst
		launched = append(launched, inst)
	}
	part.mu.Unlock()

	for _, inst := range launched {
		_ = p.store.CreateInstance(inst)
		go p.startInstance(part, inst, tc)
	}

	if len(launched) > 0 {
		metrics.ScaleUps.WithLabelValues(string(jobType)).Inc()
		p.refreshGauges(jobType)
	}
	return len(launched)
}

// startInstance runs the cold -> starting -> idle transition, with
// health verification inside the startup timeout. A failed start is
// retried once; a second failure is a platform fault.
func (p *Pool) startInstance(part *partition, inst *types.Instance, tc *config.TypeConfig) {
	p.transition(part, inst.ID, types.InstanceStateStarting, "")

	handle, err := p.bootAndVerify(inst.JobType, tc)
	if err != nil {
		p.logger.Error().Err(err).
			Str("instance_id", inst.ID).
			Str("job_type", string(inst.JobType)).
			Msg("instance failed to start, retrying once")
		metrics.StartupFailures.WithLabelValues(string(inst.JobType)).Inc()

		handle, err = p.bootAndVerify(inst.JobType, tc)
		if err != nil {
			metrics.StartupFailures.WithLabelValues(string(inst.JobType)).Inc()
			p.transition(part, inst.ID, types.InstanceStateStopped, "")
			p.platformFault(part, fmt.Sprintf("instance for %s failed to start twice: %v", inst.JobType, err))
			return
		}
	}

	part.mu.Lock()
	cur, ok := part.instances[inst.ID]
	if !ok || cur.State == types.InstanceStateStopped {
		// Stopped while starting; roll the container back.
		part.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = p.rt.Stop(ctx, handle)
		return
	}
	cur.Handle = handle
	cur.State = types.InstanceStateIdle
	cur.LastActiveAt = time.Now()
	part.startFailures = 0
	part.mu.Unlock()

	_ = p.store.UpdateInstance(cur)
	p.refreshGauges(inst.JobType)

	p.broker.Publish(&events.Event{
		Type:    events.EventInstanceStarted,
		Message: fmt.Sprintf("instance %s (%s) is idle", inst.ID, inst.JobType),
		Metadata: map[string]string{
			"instance_id": inst.ID, "job_type": string(inst.JobType),
		},
	})
}

// bootAndVerify starts a container and polls its health check until it
// passes or the startup timeout elapses.
func (p *Pool) bootAndVerify(jobType types.JobType, tc *config.TypeConfig) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tc.StartupTimeout())
	defer cancel()

	handle, err := p.rt.Start(ctx, jobType, tc.Image)
	if err != nil {
		return "", fmt.Errorf("runtime start: %w", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.rt.HealthCheck(ctx, handle) {
			return handle, nil
		}
		select {
		case <-ctx.Done():
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = p.rt.Stop(stopCtx, handle)
			stopCancel()
			return "", fmt.Errorf("health verification timed out after %s", tc.StartupTimeout())
		case <-ticker.C:
		}
	}
}

// platformFault marks the partition faulted and raises an operator
// alert. The type is not scaled further until ClearFault.
func (p *Pool) platformFault(part *partition, msg string) {
	part.mu.Lock()
	part.startFailures++
	part.faulted = true
	part.mu.Unlock()

	p.logger.Error().Str("job_type", string(part.jobType)).Msg("platform fault: " + msg)
	p.broker.Publish(&events.Event{
		Type:    events.EventPlatformFault,
		Message: msg,
		Metadata: map[string]string{
			"job_type": string(part.jobType),
		},
	})
}

// Faulted reports whether the type is under a platform fault.
func (p *Pool) Faulted(jobType types.JobType) bool {
	part := p.partitions[jobType]
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.faulted
}

// ClearFault re-enables scale-up for the type (operator action).
func (p *Pool) ClearFault(jobType types.JobType) {
	part := p.partitions[jobType]
	part.mu.Lock()
	part.faulted = false
	part.startFailures = 0
	part.mu.Unlock()
}

// ScaleDown drains up to n idle instances, never taking the type below
// its min_replicas floor. Busy instances are never interrupted; if
// fewer idle instances exist than the bounded request, the remainder is
// deferred to the next idle transition.
func (p *Pool) ScaleDown(jobType types.JobType, n int) int {
	part := p.partitions[jobType]
	floor := p.cfg.Type(jobType).Scaling.MinReplicas

	part.mu.Lock()
	// Instances already owed to a deferred drain count as gone.
	if room := liveLocked(part) - part.deferredDown - floor; n > room {
		n = room
	}
	if n <= 0 {
		part.mu.Unlock()
		return 0
	}
	var victims []*types.Instance
	for _, inst := range part.instances {
		if len(victims) >= n {
			break
		}
		if inst.State == types.InstanceStateIdle {
			inst.State = types.InstanceStateDraining
			victims = append(victims, inst)
		}
	}
	if deficit := n - len(victims); deficit > 0 {
		part.deferredDown += deficit
	}
	part.mu.Unlock()

	for _, inst := range victims {
		p.drain(part, inst)
	}

	if len(victims) > 0 {
		metrics.ScaleDowns.WithLabelValues(string(jobType)).Inc()
		p.refreshGauges(jobType)
	}
	return len(victims)
}

// drain stops a draining instance's container and finalizes it.
func (p *Pool) drain(part *partition, inst *types.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if inst.Handle != "" {
		if err := p.rt.Stop(ctx, inst.Handle); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to stop container")
		}
	}

	part.mu.Lock()
	inst.State = types.InstanceStateStopped
	part.mu.Unlock()

	_ = p.store.UpdateInstance(inst)
	p.refreshGauges(inst.JobType)

	p.broker.Publish(&events.Event{
		Type:    events.EventInstanceStopped,
		Message: fmt.Sprintf("instance %s (%s) stopped", inst.ID, inst.JobType),
		Metadata: map[string]string{
			"instance_id": inst.ID, "job_type": string(inst.JobType),
		},
	})
}

// Assign reserves an idle instance for the type, transitioning it to
// busy. Returns nil when no idle instance exists. The reservation is
// atomic: two callers can never receive the same instance.
func (p *Pool) Assign(jobType types.JobType) *types.Instance {
	part := p.partitions[jobType]
	part.mu.Lock()
	defer part.mu.Unlock()

	for _, inst := range part.instances {
		if inst.State == types.InstanceStateIdle {
			inst.State = types.InstanceStateBusy
			inst.LastActiveAt = time.Now()
			cp := *inst
			go p.persistAndRefresh(&cp)
			return &cp
		}
	}
	return nil
}

// Bind records the job an assigned instance is processing.
func (p *Pool) Bind(instanceID, jobID string) {
	part, inst := p.find(instanceID)
	if inst == nil {
		return
	}
	part.mu.Lock()
	inst.CurrentJobID = jobID
	cp := *inst
	part.mu.Unlock()
	_ = p.store.UpdateInstance(&cp)
}

// Release returns a busy instance to idle after its job completes. If
// a deferred scale-down is owed, the instance drains instead.
func (p *Pool) Release(instanceID string) {
	part, inst := p.find(instanceID)
	if inst == nil {
		return
	}

	part.mu.Lock()
	if inst.State != types.InstanceStateBusy {
		part.mu.Unlock()
		return
	}
	inst.CurrentJobID = ""
	inst.LastActiveAt = time.Now()

	if part.deferredDown > 0 {
		if liveLocked(part) > p.cfg.Type(inst.JobType).Scaling.MinReplicas {
			part.deferredDown--
			inst.State = types.InstanceStateDraining
			part.mu.Unlock()
			p.drain(part, inst)
			return
		}
		// The floor caught up with the owed drains; forget them.
		part.deferredDown = 0
	}

	inst.State = types.InstanceStateIdle
	cp := *inst
	part.mu.Unlock()

	_ = p.store.UpdateInstance(&cp)
	p.refreshGauges(inst.JobType)
}

// MarkUnhealthy forces an instance to stopped regardless of state. Any
// job it held is delivered on the Orphans channel for requeueing.
func (p *Pool) MarkUnhealthy(instanceID string) error {
	part, inst := p.find(instanceID)
	if inst == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}

	part.mu.Lock()
	orphan := inst.CurrentJobID
	handle := inst.Handle
	inst.State = types.InstanceStateStopped
	inst.CurrentJobID = ""
	cp := *inst
	part.mu.Unlock()

	if handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = p.rt.Stop(ctx, handle)
		cancel()
	}
	_ = p.store.UpdateInstance(&cp)
	p.refreshGauges(inst.JobType)

	p.logger.Warn().
		Str("instance_id", instanceID).
		Str("job_type", string(inst.JobType)).
		Str("orphaned_job", orphan).
		Msg("instance marked unhealthy")

	p.broker.Publish(&events.Event{
		Type:    events.EventInstanceUnhealthy,
		Message: fmt.Sprintf("instance %s (%s) marked unhealthy", instanceID, inst.JobType),
		Metadata: map[string]string{
			"instance_id": instanceID, "job_type": string(inst.JobType),
		},
	})

	if orphan != "" {
		select {
		case p.orphans <- orphan:
		default:
			p.logger.Error().Str("job_id", orphan).Msg("orphan channel full, job requeue delayed")
		}
	}
	return nil
}

// Live returns the instances for a type that are not stopped.
func (p *Pool) Live(jobType types.JobType) []*types.Instance {
	part := p.partitions[jobType]
	part.mu.Lock()
	defer part.mu.Unlock()

	var out []*types.Instance
	for _, inst := range part.instances {
		if inst.State != types.InstanceStateStopped {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out
}

// Replicas returns the count of instances that occupy capacity
// (starting, idle, or busy).
func (p *Pool) Replicas(jobType types.JobType) int {
	part := p.partitions[jobType]
	part.mu.Lock()
	defer part.mu.Unlock()
	return liveLocked(part)
}

// liveLocked counts capacity-occupying instances. The caller holds
// part.mu.
func liveLocked(part *partition) int {
	n := 0
	for _, inst := range part.instances {
		switch inst.State {
		case types.InstanceStateCold, types.InstanceStateStarting, types.InstanceStateIdle, types.InstanceStateBusy:
			n++
		}
	}
	return n
}

// ActiveCount returns the number of idle or busy instances.
func (p *Pool) ActiveCount(jobType types.JobType) int {
	part := p.partitions[jobType]
	part.mu.Lock()
	defer part.mu.Unlock()

	n := 0
	for _, inst := range part.instances {
		if inst.State == types.InstanceStateIdle || inst.State == types.InstanceStateBusy {
			n++
		}
	}
	return n
}

// UpdateUsage records a resource snapshot observed by the health
// monitor.
func (p *Pool) UpdateUsage(instanceID string, snap types.ResourceSnapshot) {
	part, inst := p.find(instanceID)
	if inst == nil {
		return
	}
	part.mu.Lock()
	inst.Resources = snap
	cp := *inst
	part.mu.Unlock()
	_ = p.store.UpdateInstance(&cp)
}

// AvgUsage returns the mean CPU and memory percentages across idle and
// busy instances of the type. Zero when the pool is empty.
func (p *Pool) AvgUsage(jobType types.JobType) (cpu, mem float64) {
	part := p.partitions[jobType]
	part.mu.Lock()
	defer part.mu.Unlock()

	n := 0
	for _, inst := range part.instances {
		if inst.State == types.InstanceStateIdle || inst.State == types.InstanceStateBusy {
			cpu += inst.Resources.CPUPct
			mem += inst.Resources.MemoryPct
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return cpu / float64(n), mem / float64(n)
}

// sweepLoop retires instances that sat idle past their type's
// sleep_after_seconds. This scale-to-zero path is local to the pool
// and independent of the autoscaler.
func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	now := time.Now()
	for _, jt := range types.AllJobTypes {
		tc := p.cfg.Type(jt)
		if tc.SleepAfterSeconds <= 0 {
			continue
		}
		part := p.partitions[jt]

		part.mu.Lock()
		idle := 0
		for _, inst := range part.instances {
			if inst.State == types.InstanceStateIdle {
				idle++
			}
		}
		var victims []*types.Instance
		for _, inst := range part.instances {
			if inst.State != types.InstanceStateIdle {
				continue
			}
			if idle-len(victims) <= tc.Scaling.MinReplicas {
				break
			}
			if now.Sub(inst.LastActiveAt) >= tc.SleepAfter() {
				inst.State = types.InstanceStateDraining
				victims = append(victims, inst)
			}
		}
		part.mu.Unlock()

		for _, inst := range victims {
			p.logger.Info().
				Str("instance_id", inst.ID).
				Str("job_type", string(jt)).
				Msg("idle timeout, scaling to zero")
			p.drain(part, inst)
		}
	}
}

// find locates an instance across partitions.
func (p *Pool) find(instanceID string) (*partition, *types.Instance) {
	for _, part := range p.partitions {
		part.mu.Lock()
		if inst, ok := part.instances[instanceID]; ok {
			part.mu.Unlock()
			return part, inst
		}
		part.mu.Unlock()
	}
	return nil, nil
}

// transition moves an instance to the given state and persists it.
func (p *Pool) transition(part *partition, instanceID string, state types.InstanceState, jobID string) {
	part.mu.Lock()
	inst, ok := part.instances[instanceID]
	if !ok {
		part.mu.Unlock()
		return
	}
	inst.State = state
	if jobID != "" {
		inst.CurrentJobID = jobID
	}
	cp := *inst
	part.mu.Unlock()

	_ = p.store.UpdateInstance(&cp)
	p.refreshGauges(cp.JobType)
}

func (p *Pool) persistAndRefresh(inst *types.Instance) {
	_ = p.store.UpdateInstance(inst)
	p.refreshGauges(inst.JobType)
}

func (p *Pool) refreshGauges(jobType types.JobType) {
	part := p.partitions[jobType]
	part.mu.Lock()
	counts := make(map[types.InstanceState]int)
	for _, inst := range part.instances {
		counts[inst.State]++
	}
	part.mu.Unlock()

	states := []types.InstanceState{
		types.InstanceStateCold, types.InstanceStateStarting, types.InstanceStateIdle,
		types.InstanceStateBusy, types.InstanceStateDraining, types.InstanceStateStopped,
	}
	for _, st := range states {
		metrics.InstancesTotal.WithLabelValues(string(jobType), string(st)).Set(float64(counts[st]))
	}
}
