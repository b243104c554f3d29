package storage

import (
	"errors"

	"github.com/wrenlabs/hutch/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for orchestrator state storage.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobsByType(jobType types.JobType) ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	UpdateJob(job *types.Job) error
	DeleteJob(id string) error

	// NextSeq returns the next enqueue sequence number for a job type.
	// Sequence numbers are monotonically increasing per type.
	NextSeq(jobType types.JobType) (uint64, error)

	// Instances
	CreateInstance(inst *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	ListInstancesByType(jobType types.JobType) ([]*types.Instance, error)
	UpdateInstance(inst *types.Instance) error
	DeleteInstance(id string) error

	// Cost ledgers
	GetLedger(jobType types.JobType) (*types.CostLedger, error)
	PutLedger(ledger *types.CostLedger) error

	// Utility
	Close() error
}
