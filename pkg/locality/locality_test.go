package locality

import (
	"context"
	"errors"
	"testing"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/types"
)

func testConfig() config.Config {
	return config.Config{TailnetSuffixes: []string{".ts.net", ".local"}, AgentPort: config.DefaultAgentPort}
}

func TestResolveLoopbackIsAlwaysLocal(t *testing.T) {
	target := types.Endpoint{Identifier: "localhost"}
	got := Resolve(testConfig(), target, SelfInfo{}, failPing)
	if got != types.BackendLocal {
		t.Fatalf("got %v, want local", got)
	}
}

func TestResolveAddressIntersectionIsLocal(t *testing.T) {
	target := types.Endpoint{Identifier: "alpha", UnderlayIP: "10.0.0.5"}
	self := SelfInfo{UnderlayIPs: []string{"10.0.0.5"}}
	got := Resolve(testConfig(), target, self, failPing)
	if got != types.BackendLocal {
		t.Fatalf("got %v, want local", got)
	}
}

func TestResolveHostnameMatchIsLocal(t *testing.T) {
	target := types.Endpoint{Identifier: "alpha.ts.net"}
	self := SelfInfo{Hostname: "alpha"}
	got := Resolve(testConfig(), target, self, failPing)
	if got != types.BackendLocal {
		t.Fatalf("got %v, want local", got)
	}
}

func TestResolveFallsBackToMeshAgentThenSSH(t *testing.T) {
	target := types.Endpoint{Identifier: "beta", OverlayIP: "100.64.0.2"}

	gotAgent := Resolve(testConfig(), target, SelfInfo{}, succeedPing)
	if gotAgent != types.BackendMeshAgent {
		t.Fatalf("got %v, want mesh-agent", gotAgent)
	}

	gotSSH := Resolve(testConfig(), target, SelfInfo{}, failPing)
	if gotSSH != types.BackendSSH {
		t.Fatalf("got %v, want ssh", gotSSH)
	}
}

func failPing(ctx context.Context, addr string) error    { return errors.New("unreachable") }
func succeedPing(ctx context.Context, addr string) error { return nil }
