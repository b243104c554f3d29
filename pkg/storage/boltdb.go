package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/wrenlabs/hutch/pkg/types"
)

var (
	// Bucket names
	bucketJobs      = []byte("jobs")
	bucketInstances = []byte("instances")
	bucketLedgers   = []byte("ledgers")
	bucketSequences = []byte("sequences")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketInstances,
			bucketLedgers,
			bucketSequences,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByType(jobType types.JobType) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Job
	for _, job := range jobs {
		if job.Type == jobType {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Job
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // Same as create (upsert)
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(id))
	})
}

// NextSeq increments and returns the per-type enqueue sequence.
func (s *BoltStore) NextSeq(jobType types.JobType) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSequences)
		key := []byte(jobType)
		cur := b.Get(key)
		if cur != nil {
			seq = binary.BigEndian.Uint64(cur)
		}
		seq++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		return b.Put(key, buf)
	})
	return seq, err
}

// Instance operations

func (s *BoltStore) CreateInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(inst.ID), data)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) ListInstancesByType(jobType types.JobType) ([]*types.Instance, error) {
	instances, err := s.ListInstances()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Instance
	for _, inst := range instances {
		if inst.JobType == jobType {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateInstance(inst *types.Instance) error {
	return s.CreateInstance(inst)
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		return b.Delete([]byte(id))
	})
}

// Ledger operations

func (s *BoltStore) GetLedger(jobType types.JobType) (*types.CostLedger, error) {
	var ledger types.CostLedger
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedgers)
		data := b.Get([]byte(jobType))
		if data == nil {
			return fmt.Errorf("ledger %s: %w", jobType, ErrNotFound)
		}
		return json.Unmarshal(data, &ledger)
	})
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (s *BoltStore) PutLedger(ledger *types.CostLedger) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedgers)
		data, err := json.Marshal(ledger)
		if err != nil {
			return err
		}
		return b.Put([]byte(ledger.JobType), data)
	})
}
