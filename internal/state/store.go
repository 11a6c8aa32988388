package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gatecrane-io/gatecrane/internal/model"
)

// Store persists the versioned DeploymentState history, keyed
// (target, version). Versions are strictly monotonic per target and
// never overwritten.
type Store interface {
	// Current returns the live state for target. A target that has
	// never been applied reports version 0.
	Current(ctx context.Context, target string) (*model.DeploymentState, error)

	// Append records a new state version. The version must be exactly
	// one greater than the current version.
	Append(ctx context.Context, st *model.DeploymentState) error

	// Get returns a specific historical version.
	Get(ctx context.Context, target string, version int64) (*model.DeploymentState, error)
}

// FileStore implements Store on the local filesystem, one directory
// per target with one JSON document per version.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Current(ctx context.Context, target string) (*model.DeploymentState, error) {
	path := filepath.Join(s.targetDir(target), "current.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.DeploymentState{Target: target, Version: 0}, nil
		}
		return nil, fmt.Errorf("failed to read current state for %s: %w", target, err)
	}

	var st model.DeploymentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state for %s: %w", target, err)
	}
	return &st, nil
}

func (s *FileStore) Append(ctx context.Context, st *model.DeploymentState) error {
	current, err := s.Current(ctx, st.Target)
	if err != nil {
		return err
	}
	if st.Version != current.Version+1 {
		return fmt.Errorf("state version for %s must advance from %d to %d, got %d",
			st.Target, current.Version, current.Version+1, st.Version)
	}

	dir := s.targetDir(st.Target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if st.AppliedAt.IsZero() {
		st.AppliedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	versionPath := filepath.Join(dir, fmt.Sprintf("v%d.json", st.Version))
	if _, err := os.Stat(versionPath); err == nil {
		return fmt.Errorf("state version %d for %s already recorded", st.Version, st.Target)
	}
	if err := os.WriteFile(versionPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state version: %w", err)
	}

	// The current pointer is updated last so a crash mid-append leaves
	// the previous version live.
	if err := os.WriteFile(filepath.Join(dir, "current.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to update current state: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, target string, version int64) (*model.DeploymentState, error) {
	path := filepath.Join(s.targetDir(target), fmt.Sprintf("v%d.json", version))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state version %d for %s not found", version, target)
		}
		return nil, fmt.Errorf("failed to read state version: %w", err)
	}

	var st model.DeploymentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state version: %w", err)
	}
	return &st, nil
}

func (s *FileStore) targetDir(target string) string {
	return filepath.Join(s.dir, target)
}
