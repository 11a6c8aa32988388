package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatecrane-io/gatecrane/internal/artifact"
	"github.com/gatecrane-io/gatecrane/internal/config"
	"github.com/gatecrane-io/gatecrane/internal/scan"
)

func TestLoadRevision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.json"), []byte(`{}`), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "modules"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modules", "net.tf"), []byte("vpc"), 0644))

	// Hidden files and the data directory are excluded.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0644))
	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "run-1.json"), []byte("{}"), 0644))

	rev, err := loadRevision(dir, dataDir)
	require.NoError(t, err)
	assert.Len(t, rev.Files, 2)
	assert.Contains(t, rev.Files, "deploy.json")
	assert.Contains(t, rev.Files, "modules/net.tf")
	assert.NotEmpty(t, rev.ID)

	// Identical content yields an identical revision id.
	again, err := loadRevision(dir, dataDir)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, again.ID)
}

func TestLoadRevision_EmptyDir(t *testing.T) {
	_, err := loadRevision(t.TempDir(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files")
}

func TestBuildCheckers(t *testing.T) {
	cfg := &config.PipelineConfig{
		DesiredStatePath: "deploy.json",
		Checkers: []config.CheckerConfig{
			{Name: "inline", Type: "policy", Rules: []scan.PolicyRule{{
				Name:      "no-public-acl",
				Condition: "property_equals",
				Property:  "acl",
				Value:     "public-read",
				Severity:  "error",
			}}},
			{Name: "scanner", Type: "command", Argv: []string{"true"}},
		},
	}

	checkers, err := buildCheckers(cfg)
	require.NoError(t, err)
	require.Len(t, checkers, 2)
	assert.Equal(t, "inline", checkers[0].Name())
	assert.Equal(t, "scanner", checkers[1].Name())
}

func TestBuildCheckers_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: require-tags
    condition: require_property
    property: tags
    severity: warning
`), 0644))

	cfg := &config.PipelineConfig{
		DesiredStatePath: "deploy.json",
		Checkers:         []config.CheckerConfig{{Name: "filed", Type: "policy", PolicyFile: path}},
	}
	checkers, err := buildCheckers(cfg)
	require.NoError(t, err)
	require.Len(t, checkers, 1)
	assert.Equal(t, "filed", checkers[0].Name())
}

func TestBuildCheckers_UnknownType(t *testing.T) {
	cfg := &config.PipelineConfig{
		Checkers: []config.CheckerConfig{{Name: "x", Type: "webhook"}},
	}
	_, err := buildCheckers(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown checker type")
}

func TestBuildKeyring(t *testing.T) {
	ctx := context.Background()

	cfg := &config.PipelineConfig{}
	kr, err := buildKeyring(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, artifact.EnvKeyring{}, kr)

	cfg.ArtifactStore.Keyring = "kms"
	cfg.ArtifactStore.KMSDataKey = "AQIDBA=="
	cfg.ArtifactStore.KMSRegion = "us-east-1"
	kr, err = buildKeyring(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &artifact.KMSKeyring{}, kr)
}

func TestWriteAuditLog(t *testing.T) {
	cfg := &config.PipelineConfig{DataDir: t.TempDir()}
	writeAuditLog(cfg, AuditEntry{Operation: "run", Target: "prod", RunID: 7, Detail: "succeeded"})
	writeAuditLog(cfg, AuditEntry{Operation: "approved", Target: "prod", RunID: 7})

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "audit.log"))
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)

	var first AuditEntry
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "run", first.Operation)
	assert.EqualValues(t, 7, first.RunID)
	assert.NotEmpty(t, first.Timestamp)
	assert.NotEmpty(t, first.User)
}

func TestColorize(t *testing.T) {
	noColor = false
	assert.Equal(t, "\033[31m", colorize("\033[31m"))

	noColor = true
	assert.Equal(t, "", colorize("\033[31m"))

	noColor = false
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}
