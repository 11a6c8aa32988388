package apply

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandApplier(t *testing.T) {
	// The payload path is appended to argv; cat-ing it proves the
	// desired state was materialized verbatim.
	applier := NewCommandApplier([]string{"sh", "-c", `grep -q '"replicas": 3' "$0"`}, nil)
	err := applier.Apply(context.Background(), "prod", []byte(`{"replicas": 3}`))
	require.NoError(t, err)
}

func TestCommandApplier_NonZeroExit(t *testing.T) {
	applier := NewCommandApplier([]string{"sh", "-c", "echo drift detected >&2; exit 2"}, nil)
	err := applier.Apply(context.Background(), "prod", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 2")
	assert.Contains(t, err.Error(), "drift detected")
}

func TestCommandApplier_NotConfigured(t *testing.T) {
	applier := NewCommandApplier(nil, nil)
	require.Error(t, applier.Apply(context.Background(), "prod", []byte(`{}`)))
}

func TestNoop(t *testing.T) {
	n := NewNoop()
	desired := []byte(`{"v":1}`)

	require.NoError(t, n.Apply(context.Background(), "prod", desired))
	assert.Equal(t, 1, n.Calls())
	assert.True(t, n.Applied("prod", desired))
	assert.False(t, n.Applied("staging", desired))

	n.FailWith = errors.New("provider unavailable")
	require.Error(t, n.Apply(context.Background(), "prod", desired))
	assert.Equal(t, 1, n.Calls())
}
