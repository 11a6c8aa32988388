package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore keeps blobs on the local filesystem, sharded by the first
// two hex characters of the id.
type LocalStore struct {
	dir     string
	keyring Keyring
}

func NewLocalStore(dir string, keyring Keyring) *LocalStore {
	return &LocalStore{dir: dir, keyring: keyring}
}

func (s *LocalStore) Put(ctx context.Context, data []byte) (string, error) {
	id := BlobID(data)
	path := s.blobPath(id)

	// Content addressing makes writes idempotent: an existing blob
	// with this id already holds identical content.
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	sealed, err := sealBlob(ctx, s.keyring, data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt blob: %w", err)
	}

	// Write to a temp name then rename so readers never see a partial
	// blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}

	return id, nil
}

func (s *LocalStore) Get(ctx context.Context, id string) ([]byte, error) {
	raw, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found", id)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}

	data, err := openBlob(ctx, s.keyring, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob %s: %w", id, err)
	}

	if err := verifyID(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *LocalStore) blobPath(id string) string {
	shard := id
	if len(id) > 2 {
		shard = id[:2]
	}
	return filepath.Join(s.dir, shard, id)
}
