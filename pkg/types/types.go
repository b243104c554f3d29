package types

import (
	"encoding/json"
	"time"
)

// JobType identifies the worker fleet a job is routed to.
// Instances are type-specific, never general-purpose.
type JobType string

const (
	JobTypeVideo       JobType = "video"
	JobTypeDocument    JobType = "document"
	JobTypeAIInference JobType = "ai-inference"
	JobTypeMedia       JobType = "media"
	JobTypeCodeExec    JobType = "code-exec"
)

// AllJobTypes lists every known job type, in stable order.
var AllJobTypes = []JobType{
	JobTypeVideo,
	JobTypeDocument,
	JobTypeAIInference,
	JobTypeMedia,
	JobTypeCodeExec,
}

// Valid reports whether t is one of the fixed job type enumeration.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeVideo, JobTypeDocument, JobTypeAIInference, JobTypeMedia, JobTypeCodeExec:
		return true
	}
	return false
}

// Priority orders jobs within a type's pending queue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ParsePriority maps the wire representation to a Priority.
// Unknown or empty strings default to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusAssigned     JobStatus = "assigned"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
	JobStatusCancelled    JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never
// re-enter a queue and are garbage-collected after the retention window.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeadLettered || s == JobStatusCancelled
}

// JobError is the structured failure reason recorded on a job.
type JobError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Permanent bool      `json:"permanent"`
	At        time.Time `json:"at"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Job is a unit of asynchronous processing work submitted by an
// external caller.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`

	// Seq is the per-type enqueue sequence number, used as the FIFO
	// tiebreak within equal priority.
	Seq uint64 `json:"seq"`

	CreatedAt   time.Time `json:"created_at"`
	AssignedAt  time.Time `json:"assigned_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// ContainerID is the owning instance while assigned/processing.
	ContainerID string `json:"container_id,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	Error        *JobError       `json:"error,omitempty"`
	CostEstimate float64         `json:"cost_estimate"`
	CallbackURL  string          `json:"callback_url,omitempty"`
}

// InstanceState represents the lifecycle state of a worker container.
//
// cold -> starting -> idle <-> busy -> draining -> stopped
type InstanceState string

const (
	InstanceStateCold     InstanceState = "cold"
	InstanceStateStarting InstanceState = "starting"
	InstanceStateIdle     InstanceState = "idle"
	InstanceStateBusy     InstanceState = "busy"
	InstanceStateDraining InstanceState = "draining"
	InstanceStateStopped  InstanceState = "stopped"
)

// ResourceSnapshot is the last observed resource usage of an instance.
type ResourceSnapshot struct {
	CPUPct     float64   `json:"cpu_pct"`
	MemoryPct  float64   `json:"memory_pct"`
	ObservedAt time.Time `json:"observed_at"`
}

// Instance is one running worker container dedicated to a single job type.
type Instance struct {
	ID           string           `json:"id"`
	JobType      JobType          `json:"job_type"`
	State        InstanceState    `json:"state"`
	StartedAt    time.Time        `json:"started_at"`
	LastActiveAt time.Time        `json:"last_active_at"`
	CurrentJobID string           `json:"current_job_id,omitempty"`
	Resources    ResourceSnapshot `json:"resources"`

	// Handle is the opaque runtime handle returned by ContainerRuntime.Start.
	Handle string `json:"handle,omitempty"`
}

// ScalingPolicy is the static per-type autoscaling configuration.
type ScalingPolicy struct {
	MinReplicas      int     `json:"min_replicas" yaml:"min_replicas"`
	MaxReplicas      int     `json:"max_replicas" yaml:"max_replicas"`
	TargetCPUPct     float64 `json:"target_cpu_pct" yaml:"target_cpu_pct"`
	TargetMemPct     float64 `json:"target_mem_pct" yaml:"target_mem_pct"`
	TargetQueueDepth int     `json:"target_queue_depth" yaml:"target_queue_depth"`
	ScaleUpStep      int     `json:"scale_up_step" yaml:"scale_up_step"`
	ScaleDownStep    int     `json:"scale_down_step" yaml:"scale_down_step"`
	CooldownSeconds  int     `json:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// Cooldown returns the minimum time between consecutive autoscaling
// actions for the type.
func (p *ScalingPolicy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// CostLedger tracks accumulated spend against budget limits for one job type.
type CostLedger struct {
	JobType         JobType   `json:"job_type"`
	AccumulatedCost float64   `json:"accumulated_cost"`
	SoftLimit       float64   `json:"soft_limit"`
	HardLimit       float64   `json:"hard_limit"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OverSoftLimit reports whether spend has crossed the warning threshold.
func (l *CostLedger) OverSoftLimit() bool {
	return l.SoftLimit > 0 && l.AccumulatedCost >= l.SoftLimit
}

// OverHardLimit reports whether spend has exhausted the budget. Once true,
// scale-up for the type is refused until the ledger is reset externally.
func (l *CostLedger) OverHardLimit() bool {
	return l.HardLimit > 0 && l.AccumulatedCost >= l.HardLimit
}

// TypeMetrics is the read-only observability snapshot for one job type,
// served by the metrics API.
type TypeMetrics struct {
	JobType              JobType `json:"job_type"`
	QueueDepth           int     `json:"queue_depth"`
	ActiveInstances      int     `json:"active_instances"`
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	SuccessRate          float64 `json:"success_rate"`
	AccumulatedCost      float64 `json:"accumulated_cost"`
	BudgetRemaining      float64 `json:"budget_remaining"`
}
