package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

// RunStore persists PipelineRun history as JSON documents keyed
// (target, run ID), durable across process restarts. Run IDs are
// monotonic per target, derived from what is already on disk.
type RunStore struct {
	mu  sync.Mutex
	dir string
}

func NewRunStore(dir string) *RunStore {
	return &RunStore{dir: dir}
}

// NextID allocates the next run ID for target.
func (s *RunStore) NextID(target string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listIDs(target)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	return ids[len(ids)-1] + 1, nil
}

// Save writes the run's current snapshot.
func (s *RunStore) Save(run *model.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.targetDir(run.Target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run %d: %w", run.ID, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%d.json", run.ID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run %d: %w", run.ID, err)
	}
	return nil
}

// Get loads one run.
func (s *RunStore) Get(target string, id int64) (*model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(target, id)
}

// List returns all runs for target ordered by ID.
func (s *RunStore) List(target string) ([]*model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.listIDs(target)
	if err != nil {
		return nil, err
	}
	runs := make([]*model.PipelineRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.read(target, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Active returns the non-terminal run for target, or nil.
func (s *RunStore) Active(target string) (*model.PipelineRun, error) {
	runs, err := s.List(target)
	if err != nil {
		return nil, err
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if !runs[i].Status.Terminal() {
			return runs[i], nil
		}
	}
	return nil, nil
}

func (s *RunStore) read(target string, id int64) (*model.PipelineRun, error) {
	path := filepath.Join(s.targetDir(target), fmt.Sprintf("run-%d.json", id))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %d for target %s not found", id, target)
		}
		return nil, fmt.Errorf("failed to read run %d: %w", id, err)
	}
	var run model.PipelineRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %d: %w", id, err)
	}
	return &run, nil
}

func (s *RunStore) listIDs(target string) ([]int64, error) {
	entries, err := os.ReadDir(s.targetDir(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	var ids []int64
	for _, entry := range entries {
		var id int64
		if _, err := fmt.Sscanf(entry.Name(), "run-%d.json", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *RunStore) targetDir(target string) string {
	return filepath.Join(s.dir, target)
}
