package runtime

import (
	"context"
	"encoding/json"

	"github.com/wrenlabs/hutch/pkg/types"
)

// Result is a worker's asynchronous completion report for a dispatched
// job. Err is nil on success; a non-nil Err with Permanent set routes
// the job straight to the dead-letter queue.
type Result struct {
	JobID  string
	Handle string
	Output json.RawMessage
	Err    *types.JobError
}

// Runtime abstracts the container hosting platform. Start/Stop manage
// worker containers; Dispatch hands a job to a running worker and the
// worker later reports through the Results channel. The orchestrator
// never blocks on job execution.
type Runtime interface {
	// Start launches a worker container for the given job type and
	// returns an opaque handle. The instance is not usable until
	// HealthCheck passes.
	Start(ctx context.Context, jobType types.JobType, image string) (string, error)

	// Stop terminates the container identified by handle.
	Stop(ctx context.Context, handle string) error

	// HealthCheck reports whether the container is responsive.
	HealthCheck(ctx context.Context, handle string) bool

	// Usage returns the last observed resource consumption.
	Usage(ctx context.Context, handle string) (types.ResourceSnapshot, error)

	// Dispatch hands a job payload to the worker. Completion or
	// failure arrives later on Results.
	Dispatch(ctx context.Context, handle string, job *types.Job) error

	// Results is the channel of asynchronous worker reports.
	Results() <-chan *Result
}
