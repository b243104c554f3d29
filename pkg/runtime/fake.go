package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wrenlabs/hutch/pkg/types"
)

// FakeRuntime is an in-process Runtime used by tests and the dev
// server. Containers are plain records; job completion is driven
// either manually (Complete/Fail) or by AutoComplete.
type FakeRuntime struct {
	mu        sync.Mutex
	handles   map[string]*fakeContainer
	results   chan *Result
	autoDelay time.Duration
	auto      bool

	// StartErr, when set, makes the next Start call fail.
	StartErr error
}

type fakeContainer struct {
	jobType   types.JobType
	healthy   bool
	usage     types.ResourceSnapshot
	inflight  map[string]*types.Job // job ID -> job
	stopped   bool
}

// NewFakeRuntime creates a FakeRuntime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		handles: make(map[string]*fakeContainer),
		results: make(chan *Result, 256),
	}
}

// AutoComplete makes every dispatched job succeed after delay with an
// empty result. Used by the dev server.
func (f *FakeRuntime) AutoComplete(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto = true
	f.autoDelay = delay
}

func (f *FakeRuntime) Start(ctx context.Context, jobType types.JobType, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		err := f.StartErr
		f.StartErr = nil
		return "", err
	}

	handle := "fake-" + uuid.New().String()[:8]
	f.handles[handle] = &fakeContainer{
		jobType:  jobType,
		healthy:  true,
		inflight: make(map[string]*types.Job),
	}
	return handle, nil
}

func (f *FakeRuntime) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.handles[handle]
	if !ok {
		return fmt.Errorf("unknown handle: %s", handle)
	}
	c.stopped = true
	delete(f.handles, handle)
	return nil
}

func (f *FakeRuntime) HealthCheck(ctx context.Context, handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.handles[handle]
	return ok && c.healthy
}

func (f *FakeRuntime) Usage(ctx context.Context, handle string) (types.ResourceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.handles[handle]
	if !ok {
		return types.ResourceSnapshot{}, fmt.Errorf("unknown handle: %s", handle)
	}
	return c.usage, nil
}

func (f *FakeRuntime) Dispatch(ctx context.Context, handle string, job *types.Job) error {
	f.mu.Lock()
	c, ok := f.handles[handle]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("unknown handle: %s", handle)
	}
	c.inflight[job.ID] = job
	auto, delay := f.auto, f.autoDelay
	f.mu.Unlock()

	if auto {
		go func() {
			time.Sleep(delay)
			f.Complete(job.ID, handle, json.RawMessage(`{"ok":true}`))
		}()
	}
	return nil
}

func (f *FakeRuntime) Results() <-chan *Result {
	return f.results
}

// Complete reports a successful job result, as a worker would.
func (f *FakeRuntime) Complete(jobID, handle string, output json.RawMessage) {
	f.mu.Lock()
	if c, ok := f.handles[handle]; ok {
		delete(c.inflight, jobID)
	}
	f.mu.Unlock()

	f.results <- &Result{
		JobID:  jobID,
		Handle: handle,
		Output: output,
	}
}

// Fail reports a job failure. Permanent failures are unprocessable
// payloads; transient ones are retried by the orchestrator.
func (f *FakeRuntime) Fail(jobID, handle, code, msg string, permanent bool) {
	f.mu.Lock()
	if c, ok := f.handles[handle]; ok {
		delete(c.inflight, jobID)
	}
	f.mu.Unlock()

	f.results <- &Result{
		JobID:  jobID,
		Handle: handle,
		Err: &types.JobError{
			Code:      code,
			Message:   msg,
			Permanent: permanent,
			At:        time.Now(),
		},
	}
}

// SetHealthy flips the health-check result for a handle.
func (f *FakeRuntime) SetHealthy(handle string, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.handles[handle]; ok {
		c.healthy = healthy
	}
}

// SetUsage sets the resource snapshot returned by Usage.
func (f *FakeRuntime) SetUsage(handle string, cpuPct, memPct float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.handles[handle]; ok {
		c.usage = types.ResourceSnapshot{CPUPct: cpuPct, MemoryPct: memPct, ObservedAt: time.Now()}
	}
}

// Running returns the number of live fake containers.
func (f *FakeRuntime) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}
