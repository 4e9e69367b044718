// Package locality implements the Locality Resolver (C2): deciding
// whether an Endpoint is this host, a reachable mesh peer, or must be
// reached over SSH.
package locality

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/types"
)

// pingTimeout bounds the agent-port probe used to distinguish
// mesh-agent reachability from a fall back to SSH.
const pingTimeout = 3 * time.Second

// SelfInfo is the subset of the current process's identity the
// resolver compares the target against.
type SelfInfo struct {
	UnderlayIPs []string
	OverlayIP   string
	Hostname    string // normalized
}

// Resolve decides the backend for target, given the current process's
// own addresses in self. pingAgentPort is called only when neither
// address nor hostname comparison resolves the target as local; it
// should dial the target's agent port and return nil on success. Tests
// inject a fake to avoid real network I/O.
func Resolve(cfg config.Config, target types.Endpoint, self SelfInfo, pingAgentPort func(ctx context.Context, addr string) error) types.Backend {
	if isLoopback(target) {
		return types.BackendLocal
	}

	for _, addr := range target.Addresses() {
		for _, localAddr := range localAddresses(self) {
			if addr == localAddr {
				return types.BackendLocal
			}
		}
	}

	if self.Hostname != "" && cfg.Normalize(target.Identifier) != "" &&
		strings.EqualFold(cfg.Normalize(target.Identifier), self.Hostname) {
		return types.BackendLocal
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	for _, addr := range target.Addresses() {
		if pingAgentPort == nil {
			break
		}
		if err := pingAgentPort(ctx, net.JoinHostPort(addr, portString(cfg.AgentPort))); err == nil {
			return types.BackendMeshAgent
		}
	}
	return types.BackendSSH
}

func localAddresses(self SelfInfo) []string {
	out := append([]string{}, self.UnderlayIPs...)
	if self.OverlayIP != "" {
		out = append(out, self.OverlayIP)
	}
	return out
}

// isLoopback treats localhost/127.0.0.1/::1 as always local, regardless
// of any other address comparison - the resolver must never probe or
// SSH to reach the current host under these names.
func isLoopback(target types.Endpoint) bool {
	loop := map[string]bool{"localhost": true, "127.0.0.1": true, "::1": true}
	for _, addr := range append(target.Addresses(), target.Identifier) {
		if loop[addr] {
			return true
		}
	}
	return false
}

func portString(port int) string {
	if port == 0 {
		port = config.DefaultAgentPort
	}
	return strconv.Itoa(port)
}
