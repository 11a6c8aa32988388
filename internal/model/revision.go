package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Revision is an immutable snapshot of source input to one pipeline
// run. The ID is a hash over the ordered file contents, so two
// revisions with identical content share an ID.
type Revision struct {
	ID string `json:"id"`
	// Files maps repository-relative paths to file contents.
	Files map[string][]byte `json:"-"`
	// Manifest maps paths to artifact store blob ids once the snapshot
	// has been persisted.
	Manifest map[string]string `json:"manifest,omitempty"`
}

// NewRevision builds a revision from file contents, deriving the
// content-addressed ID.
func NewRevision(files map[string][]byte) Revision {
	h := sha256.New()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(files[p])
		h.Write([]byte{0})
	}
	return Revision{
		ID:    hex.EncodeToString(h.Sum(nil)),
		Files: files,
	}
}
