package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/cutover/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServices    = []byte("services")
	bucketDeployments = []byte("deployments")
	bucketRuns        = []byte("runs")
	bucketBindings    = []byte("bindings")

	allBuckets = [][]byte{bucketServices, bucketDeployments, bucketRuns, bucketBindings}
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cutover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
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

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key, kind string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func list[T any](db *bolt.DB, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to decode %s/%s: %w", bucket, k, err)
			}
			if keep == nil || keep(&item) {
				out = append(out, &item)
			}
			return nil
		})
	})
	return out, err
}

// Service operations
func (s *BoltStore) PutService(service *types.Service) error {
	return s.put(bucketServices, service.Name, service)
}

func (s *BoltStore) GetService(name string) (*types.Service, error) {
	var service types.Service
	if err := s.get(bucketServices, name, "service", &service); err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	return list[types.Service](s.db, bucketServices, nil)
}

func (s *BoltStore) DeleteService(name string) error {
	return s.delete(bucketServices, name)
}

// Deployment operations
func (s *BoltStore) PutDeployment(deployment *types.Deployment) error {
	return s.put(bucketDeployments, deployment.ID, deployment)
}

func (s *BoltStore) GetDeployment(id string) (*types.Deployment, error) {
	var deployment types.Deployment
	if err := s.get(bucketDeployments, id, "deployment", &deployment); err != nil {
		return nil, err
	}
	return &deployment, nil
}

func (s *BoltStore) ListDeployments() ([]*types.Deployment, error) {
	return list[types.Deployment](s.db, bucketDeployments, nil)
}

// ListDeploymentsByService returns a service's deployments, oldest first
func (s *BoltStore) ListDeploymentsByService(service string) ([]*types.Deployment, error) {
	deployments, err := list(s.db, bucketDeployments, func(d *types.Deployment) bool {
		return d.Service == service
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.Before(deployments[j].CreatedAt)
	})
	return deployments, nil
}

// Pipeline run operations
func (s *BoltStore) PutRun(run *types.PipelineRun) error {
	return s.put(bucketRuns, run.ID, run)
}

func (s *BoltStore) GetRun(id string) (*types.PipelineRun, error) {
	var run types.PipelineRun
	if err := s.get(bucketRuns, id, "pipeline run", &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRuns() ([]*types.PipelineRun, error) {
	return list[types.PipelineRun](s.db, bucketRuns, nil)
}

// ListRunsByPipeline returns a pipeline's runs, oldest first
func (s *BoltStore) ListRunsByPipeline(pipeline string) ([]*types.PipelineRun, error) {
	runs, err := list(s.db, bucketRuns, func(r *types.PipelineRun) bool {
		return r.Pipeline == pipeline
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	return runs, nil
}

// Binding operations
func (s *BoltStore) PutBinding(binding *types.Binding) error {
	return s.put(bucketBindings, binding.Listener, binding)
}

func (s *BoltStore) GetBinding(listener string) (*types.Binding, error) {
	var binding types.Binding
	if err := s.get(bucketBindings, listener, "binding", &binding); err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *BoltStore) ListBindings() ([]*types.Binding, error) {
	return list[types.Binding](s.db, bucketBindings, nil)
}

// Export copies every bucket into a Snapshot
func (s *BoltStore) Export() (*Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Services, err = s.ListServices(); err != nil {
		return nil, fmt.Errorf("failed to export services: %w", err)
	}
	if snap.Deployments, err = s.ListDeployments(); err != nil {
		return nil, fmt.Errorf("failed to export deployments: %w", err)
	}
	if snap.Runs, err = s.ListRuns(); err != nil {
		return nil, fmt.Errorf("failed to export runs: %w", err)
	}
	if snap.Bindings, err = s.ListBindings(); err != nil {
		return nil, fmt.Errorf("failed to export bindings: %w", err)
	}
	return &snap, nil
}

// Import replaces the store contents with a Snapshot in one transaction
func (s *BoltStore) Import(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if tx.Bucket(bucket) != nil {
				if err := tx.DeleteBucket(bucket); err != nil {
					return fmt.Errorf("failed to clear bucket %s: %w", bucket, err)
				}
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		put := func(bucket []byte, key string, v interface{}) error {
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			return tx.Bucket(bucket).Put([]byte(key), data)
		}

		for _, svc := range snap.Services {
			if err := put(bucketServices, svc.Name, svc); err != nil {
				return err
			}
		}
		for _, d := range snap.Deployments {
			if err := put(bucketDeployments, d.ID, d); err != nil {
				return err
			}
		}
		for _, r := range snap.Runs {
			if err := put(bucketRuns, r.ID, r); err != nil {
				return err
			}
		}
		for _, b := range snap.Bindings {
			if err := put(bucketBindings, b.Listener, b); err != nil {
				return err
			}
		}
		return nil
	})
}
