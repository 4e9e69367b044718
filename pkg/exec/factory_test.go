package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	htypes "github.com/scottdkey/halvor/pkg/types"
)

func TestForLocalReturnsLocalExecutor(t *testing.T) {
	e, err := For(Target{Backend: htypes.BackendLocal})
	require.NoError(t, err)
	assert.Equal(t, htypes.BackendLocal, e.Backend())
}

func TestForMeshAgentRequiresAddress(t *testing.T) {
	_, err := For(Target{Backend: htypes.BackendMeshAgent})
	assert.Error(t, err)
}

func TestForMeshAgentReturnsMeshAgentExecutor(t *testing.T) {
	e, err := For(Target{Backend: htypes.BackendMeshAgent, MeshAddr: "100.64.0.2:13500"})
	require.NoError(t, err)
	assert.Equal(t, htypes.BackendMeshAgent, e.Backend())
}

func TestForSSHRequiresHost(t *testing.T) {
	_, err := For(Target{Backend: htypes.BackendSSH})
	assert.Error(t, err)
}

func TestForSSHReturnsSSHExecutor(t *testing.T) {
	e, err := For(Target{Backend: htypes.BackendSSH, SSHHost: "100.64.0.3", SSHUser: "ops"})
	require.NoError(t, err)
	assert.Equal(t, htypes.BackendSSH, e.Backend())
}

func TestForUnknownBackendErrors(t *testing.T) {
	_, err := For(Target{Backend: htypes.BackendUnknown})
	assert.Error(t, err)
}
