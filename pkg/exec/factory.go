package exec

import (
	"fmt"

	htypes "github.com/scottdkey/halvor/pkg/types"
)

// Target names every address form a Capability Handle might need,
// depending on which backend the Locality Resolver picked. Only the
// fields relevant to the chosen Backend are read.
type Target struct {
	Backend htypes.Backend

	SSHHost string
	SSHPort int
	SSHUser string

	// MeshAddr is the peer's agent address ("host:port"), used only
	// for BackendMeshAgent.
	MeshAddr string

	Privilege *htypes.PrivilegeMaterial
}

// For constructs the concrete Executor that backs t.Backend, mirroring
// the Locality Resolver's own selection so callers never branch on
// Backend a second time after resolving it.
func For(t Target) (Executor, error) {
	switch t.Backend {
	case htypes.BackendLocal:
		return NewLocal(t.Privilege), nil
	case htypes.BackendMeshAgent:
		if t.MeshAddr == "" {
			return nil, fmt.Errorf("mesh-agent backend requires a peer address")
		}
		return NewMeshAgent(t.MeshAddr, t.Privilege), nil
	case htypes.BackendSSH:
		if t.SSHHost == "" {
			return nil, fmt.Errorf("ssh backend requires a host")
		}
		return NewSSH(SSHConfig{Host: t.SSHHost, Port: t.SSHPort, User: t.SSHUser}, t.Privilege), nil
	default:
		return nil, fmt.Errorf("unknown backend %v", t.Backend)
	}
}
