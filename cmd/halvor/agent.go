package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottdkey/halvor/pkg/agent"
	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/exec"
	"github.com/scottdkey/halvor/pkg/mesh"
	"github.com/scottdkey/halvor/pkg/metrics"
	"github.com/scottdkey/halvor/pkg/overlay"
	"github.com/scottdkey/halvor/pkg/peerstore"
	"github.com/scottdkey/halvor/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run or inspect the local mesh agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent server and mesh sync loop in the foreground",
	RunE:  runAgentRun,
}

var agentTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a Join Token for this agent",
	RunE:  runAgentToken,
}

var agentPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List the local Peer Store",
	RunE:  runAgentPeers,
}

var agentJoinCmd = &cobra.Command{
	Use:   "join-mesh <issuer-addr>",
	Short: "Redeem a Join Token against a running issuer agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentJoinMesh,
}

func init() {
	agentCmd.PersistentFlags().String("data-dir", "/var/lib/halvor", "Directory holding the local Peer Store")
	agentRunCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address the metrics/health HTTP server listens on")
	agentJoinCmd.Flags().String("token", "", "Encoded Join Token to redeem")

	agentCmd.AddCommand(agentRunCmd)
	agentCmd.AddCommand(agentTokenCmd)
	agentCmd.AddCommand(agentPeersCmd)
	agentCmd.AddCommand(agentJoinCmd)
}

func openPeerStore(cmd *cobra.Command) (*peerstore.Store, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	store, err := peerstore.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open peer store at %s: %w", dataDir, err)
	}
	return store, nil
}

func runAgentRun(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openPeerStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}
	selfHostname := cfg.Normalize(hostname)

	local := exec.NewLocal(nil)
	overlayAdapter := overlay.New(local)

	server := agent.New(local, store, selfHostname, cfg.Normalize)
	discoverer := mesh.NewOverlayDiscoverer(overlayAdapter)
	m := mesh.New(store, discoverer, selfHostname, cfg.AgentPort)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("agent", false, "starting")
	metrics.RegisterComponent("mesh", false, "starting")
	metrics.RegisterComponent("peerstore", true, "open")
	overlayUp, _ := overlayAdapter.IsUp(ctx)
	metrics.RegisterComponent("overlay", overlayUp, "overlay not up at startup")

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("✓ Health endpoints:\n")
	fmt.Printf("  - Health check: http://%s/health\n", metricsAddr)
	fmt.Printf("  - Readiness:    http://%s/ready\n", metricsAddr)
	fmt.Printf("  - Liveness:     http://%s/live\n", metricsAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ctx, cfg.AgentPort); err != nil {
			errCh <- fmt.Errorf("agent server error: %w", err)
		}
	}()
	time.Sleep(200 * time.Millisecond)
	metrics.RegisterComponent("agent", true, "ready")
	fmt.Printf("✓ Agent server listening on :%d\n", cfg.AgentPort)

	m.Start()
	metrics.RegisterComponent("mesh", true, "ready")
	fmt.Println("✓ Mesh sync loop started")

	fmt.Println()
	fmt.Println("Agent is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	cancel()
	m.Stop()
	fmt.Println("✓ Shutdown complete")
	return nil
}

func runAgentToken(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}
	selfHostname := cfg.Normalize(hostname)

	local := exec.NewLocal(nil)
	overlayAdapter := overlay.New(local)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	selfIP, err := overlayAdapter.SelfIP(ctx)
	if err != nil {
		return fmt.Errorf("query local overlay IP: %w", err)
	}

	token, err := mesh.IssueToken(selfHostname, selfIP, cfg.AgentPort, 0)
	if err != nil {
		return fmt.Errorf("issue join token: %w", err)
	}
	encoded, err := mesh.EncodeToken(token)
	if err != nil {
		return fmt.Errorf("encode join token: %w", err)
	}

	fmt.Println("Join Token (valid until expiry, not persisted):")
	fmt.Printf("  %s\n", encoded)
	fmt.Println()
	fmt.Println("On the joining host:")
	fmt.Printf("  halvor agent join-mesh %s:%d --token %s\n", selfIP, cfg.AgentPort, encoded)
	return nil
}

func runAgentPeers(cmd *cobra.Command, args []string) error {
	store, err := openPeerStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.All()
	if err != nil {
		return fmt.Errorf("list peer store: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No peers recorded.")
		return nil
	}

	fmt.Printf("%-24s %-16s %-10s %s\n", "HOSTNAME", "OVERLAY IP", "STATUS", "LAST SEEN")
	for _, r := range records {
		lastSeen := "never"
		if !r.LastSeenAt.IsZero() {
			lastSeen = r.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Printf("%-24s %-16s %-10s %s\n", r.Hostname, r.OverlayIP, r.Status, lastSeen)
	}
	return nil
}

func runAgentJoinMesh(cmd *cobra.Command, args []string) error {
	issuerAddr := args[0]
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		return fmt.Errorf("join-mesh requires --token")
	}

	cfg := config.Load()
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}
	selfHostname := cfg.Normalize(hostname)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := mesh.RequestJoin(ctx, issuerAddr, token, selfHostname, "")
	if err != nil {
		return fmt.Errorf("redeem join token: %w", err)
	}
	issuerHostname := cfg.Normalize(result.IssuerHostname)
	if issuerHostname == "" {
		return fmt.Errorf("join token did not identify an issuer hostname")
	}

	store, err := openPeerStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	issuerRecord, found, err := store.Get(issuerHostname)
	if err != nil {
		return fmt.Errorf("look up issuer peer record: %w", err)
	}
	if !found {
		issuerRecord.Hostname = issuerHostname
		issuerRecord.JoinedAt = time.Now()
	}
	issuerRecord.SharedSecret = result.SharedSecret
	issuerRecord.Status = types.PeerStatusActive
	issuerRecord.LastSeenAt = time.Now()
	if err := store.Upsert(issuerRecord); err != nil {
		return fmt.Errorf("persist issuer peer record: %w", err)
	}

	for _, peerHostname := range result.MeshPeers {
		peerHostname = cfg.Normalize(peerHostname)
		if peerHostname == "" || peerHostname == selfHostname || peerHostname == issuerHostname {
			continue
		}
		if _, found, err := store.Get(peerHostname); err == nil && found {
			continue
		}
		if err := store.Upsert(types.PeerRecord{Hostname: peerHostname, Status: types.PeerStatusPending, JoinedAt: time.Now()}); err != nil {
			fmt.Printf("Warning: failed to record mesh peer %q: %v\n", peerHostname, err)
		}
	}

	fmt.Printf("✓ Joined mesh via %s (%s)\n", issuerHostname, issuerAddr)
	fmt.Printf("✓ Learned %d peer(s): %v\n", len(result.MeshPeers), result.MeshPeers)
	return nil
}
