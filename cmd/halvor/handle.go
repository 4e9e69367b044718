package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/exec"
	"github.com/scottdkey/halvor/pkg/locality"
	"github.com/scottdkey/halvor/pkg/overlay"
	"github.com/scottdkey/halvor/pkg/registry"
	htypes "github.com/scottdkey/halvor/pkg/types"
)

// defaultHostsFile is the conventional path to the operator-maintained
// hosts file; --hosts-file overrides it.
const defaultHostsFile = "/etc/halvor/hosts.yaml"

// loadRegistry builds the Host Registry from hostsFile plus any
// HOST_<NAME>_IP environment overrides, which registry.Resolve applies
// per lookup.
func loadRegistry(cfg config.Config, hostsFile string) (*registry.Registry, error) {
	records, err := registry.LoadRecords(hostsFile)
	if err != nil {
		return nil, err
	}
	return registry.New(cfg, records), nil
}

// resolvedHandle bundles the Capability Handle opened for one
// identifier with the record and backend that produced it.
type resolvedHandle struct {
	Executor exec.Executor
	Record   registry.Record
	Backend  htypes.Backend
}

// openHandle resolves identifier via reg, decides its backend with the
// Locality Resolver, and opens the matching Capability Handle.
func openHandle(ctx context.Context, cfg config.Config, reg *registry.Registry, identifier, sshUser string) (resolvedHandle, error) {
	rec, err := reg.Resolve(identifier)
	if err != nil {
		return resolvedHandle{}, fmt.Errorf("resolve %q in host registry: %w", identifier, err)
	}

	target := registry.Endpoint(cfg, rec)
	self, err := currentSelf(ctx, cfg)
	if err != nil {
		return resolvedHandle{}, fmt.Errorf("determine local identity: %w", err)
	}

	backend := locality.Resolve(cfg, target, self, pingAgentPort(cfg.AgentPort))

	t := exec.Target{Backend: backend, Privilege: rec.Privilege, SSHUser: sshUser}
	switch backend {
	case htypes.BackendMeshAgent:
		addr := firstAddress(target)
		if addr == "" {
			return resolvedHandle{}, fmt.Errorf("no address available to reach %q over the agent mesh", identifier)
		}
		t.MeshAddr = net.JoinHostPort(addr, strconv.Itoa(cfg.AgentPort))
	case htypes.BackendSSH:
		addr := firstAddress(target)
		if addr == "" {
			return resolvedHandle{}, fmt.Errorf("no address available to reach %q over SSH", identifier)
		}
		t.SSHHost = addr
		t.SSHPort = 22
	}

	handle, err := exec.For(t)
	if err != nil {
		return resolvedHandle{}, fmt.Errorf("open capability handle for %q: %w", identifier, err)
	}
	return resolvedHandle{Executor: handle, Record: rec, Backend: backend}, nil
}

// currentSelf gathers the local process's own address set for the
// Locality Resolver's comparison. The overlay query runs against a
// bare Local handle since the resolver needs this host's own overlay
// identity before any target handle exists.
func currentSelf(ctx context.Context, cfg config.Config) (locality.SelfInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return locality.SelfInfo{}, err
	}

	self := locality.SelfInfo{Hostname: cfg.Normalize(hostname)}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			self.UnderlayIPs = append(self.UnderlayIPs, ipNet.IP.String())
		}
	}

	local := overlay.New(exec.NewLocal(nil))
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ip, err := local.SelfIP(queryCtx); err == nil {
		self.OverlayIP = ip
	}

	return self, nil
}

// pingAgentPort returns a probe function dialing addr (already
// host:port, agent port included by the caller), used by the Locality
// Resolver to distinguish a reachable mesh peer from one that must be
// reached over SSH.
func pingAgentPort(int) func(ctx context.Context, addr string) error {
	return func(ctx context.Context, addr string) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// writeLocalFile writes content to the operator workstation's
// filesystem, creating parent directories as needed.
func writeLocalFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func firstAddress(target interface{ Addresses() []string }) string {
	addrs := target.Addresses()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}
