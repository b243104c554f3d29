package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/wrenlabs/hutch/pkg/log"
	"github.com/wrenlabs/hutch/pkg/types"
)

const (
	// Namespace is the containerd namespace all worker containers live
	// in.
	Namespace = "hutch"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// workerPortEnv tells the worker process which loopback port to
	// serve its control API on.
	workerPortEnv = "HUTCH_WORKER_PORT"
)

// ContainerdRuntime runs worker containers through containerd. Workers
// share the host network namespace and expose a small loopback control
// API: GET /v1/health, GET /v1/stats, POST /v1/jobs, GET /v1/jobs/:id.
// Job completion is detected by polling the worker and surfaced on the
// Results channel.
type ContainerdRuntime struct {
	client *containerd.Client
	http   *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]int // handle -> control port

	results chan *Result
	stopCh  chan struct{}
}

// workerJobStatus is the worker's view of a dispatched job.
type workerJobStatus struct {
	Done   bool            `json:"done"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *types.JobError `json:"error,omitempty"`
}

// workerStats is the worker's resource self-report.
type workerStats struct {
	CPUPct    float64 `json:"cpu_pct"`
	MemoryPct float64 `json:"memory_pct"`
}

// NewContainerdRuntime connects to containerd at socketPath.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:  client,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  log.WithComponent("runtime"),
		workers: make(map[string]int),
		results: make(chan *Result, 256),
		stopCh:  make(chan struct{}),
	}, nil
}

// Close shuts down the containerd client and the result pollers.
func (r *ContainerdRuntime) Close() error {
	close(r.stopCh)
	return r.client.Close()
}

// Start pulls the image if needed, creates a worker container, and
// starts its task. The returned handle is the container ID.
func (r *ContainerdRuntime) Start(ctx context.Context, jobType types.JobType, imageRef string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	image, err := r.client.GetImage(ctx, imageRef)
	if err != nil {
		image, err = r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", imageRef, err)
		}
	}

	port, err := freePort()
	if err != nil {
		return "", fmt.Errorf("failed to allocate worker port: %w", err)
	}

	handle := fmt.Sprintf("hutch-%s-%s", jobType, uuid.New().String()[:8])
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv([]string{
			fmt.Sprintf("%s=%d", workerPortEnv, port),
			fmt.Sprintf("HUTCH_JOB_TYPE=%s", jobType),
		}),
		// Workers bind their control API on loopback, so they share the
		// host network namespace.
		oci.WithHostNamespace(specs.NetworkNamespace),
	}

	container, err := r.client.NewContainer(
		ctx,
		handle,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(handle+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	r.mu.Lock()
	r.workers[handle] = port
	r.mu.Unlock()

	r.logger.Debug().
		Str("handle", handle).
		Str("image", imageRef).
		Int("port", port).
		Msg("worker container started")
	return handle, nil
}

// Stop gracefully stops a worker container (SIGTERM, then SIGKILL) and
// cleans up its task, snapshot, and container record.
func (r *ContainerdRuntime) Stop(ctx context.Context, handle string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	r.mu.Lock()
	delete(r.workers, handle)
	r.mu.Unlock()

	container, err := r.client.LoadContainer(ctx, handle)
	if err != nil {
		// Already gone.
		return nil
	}

	if task, err := container.Task(ctx, nil); err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err == nil {
			if statusC, err := task.Wait(stopCtx); err == nil {
				select {
				case <-statusC:
				case <-stopCtx.Done():
					_ = task.Kill(ctx, syscall.SIGKILL)
				}
			}
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			r.logger.Warn().Err(err).Str("handle", handle).Msg("failed to delete task")
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// HealthCheck reports whether the worker's task is running and its
// control API answers.
func (r *ContainerdRuntime) HealthCheck(ctx context.Context, handle string) bool {
	cctx := namespaces.WithNamespace(ctx, Namespace)

	container, err := r.client.LoadContainer(cctx, handle)
	if err != nil {
		return false
	}
	task, err := container.Task(cctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(cctx)
	if err != nil || status.Status != containerd.Running {
		return false
	}

	port, ok := r.port(handle)
	if !ok {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.workerURL(port, "/v1/health"), nil)
	if err != nil {
		return false
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Usage returns the worker's self-reported resource snapshot.
func (r *ContainerdRuntime) Usage(ctx context.Context, handle string) (types.ResourceSnapshot, error) {
	port, ok := r.port(handle)
	if !ok {
		return types.ResourceSnapshot{}, fmt.Errorf("unknown handle: %s", handle)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.workerURL(port, "/v1/stats"), nil)
	if err != nil {
		return types.ResourceSnapshot{}, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("worker stats unavailable: %w", err)
	}
	defer resp.Body.Close()

	var stats workerStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return types.ResourceSnapshot{}, fmt.Errorf("failed to decode worker stats: %w", err)
	}
	return types.ResourceSnapshot{
		CPUPct:     stats.CPUPct,
		MemoryPct:  stats.MemoryPct,
		ObservedAt: time.Now(),
	}, nil
}

// Dispatch hands a job to the worker and begins polling for its
// outcome.
func (r *ContainerdRuntime) Dispatch(ctx context.Context, handle string, job *types.Job) error {
	port, ok := r.port(handle)
	if !ok {
		return fmt.Errorf("unknown handle: %s", handle)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.workerURL(port, "/v1/jobs"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("worker rejected dispatch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker returned %d on dispatch", resp.StatusCode)
	}

	go r.pollJob(handle, port, job.ID)
	return nil
}

// Results delivers completed and failed job reports.
func (r *ContainerdRuntime) Results() <-chan *Result {
	return r.results
}

// pollJob polls the worker until the job finishes, then emits a
// Result. A worker that stops answering simply stops the poll; the
// health monitor handles the rest.
func (r *ContainerdRuntime) pollJob(handle string, port int, jobID string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	url := r.workerURL(port, "/v1/jobs/"+jobID)
	misses := 0
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}

		resp, err := r.http.Get(url)
		if err != nil {
			misses++
			if misses >= 5 {
				r.logger.Warn().
					Str("handle", handle).
					Str("job_id", jobID).
					Msg("worker stopped answering, abandoning poll")
				return
			}
			continue
		}

		var status workerJobStatus
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			misses++
			continue
		}
		misses = 0

		if !status.Done {
			continue
		}
		r.results <- &Result{
			JobID:  jobID,
			Handle: handle,
			Output: status.Output,
			Err:    status.Error,
		}
		return
	}
}

func (r *ContainerdRuntime) port(handle string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.workers[handle]
	return port, ok
}

func (r *ContainerdRuntime) workerURL(port int, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

// freePort asks the kernel for an unused loopback TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
