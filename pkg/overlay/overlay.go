// Package overlay wraps the tailnet control command ("tailscale") so
// callers can resolve self/peer addresses the same way regardless of
// which exec.Executor backend is driving the target host.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scottdkey/halvor/pkg/exec"
)

// queryTimeout bounds every status/lookup call - the adapter must
// never hang the caller waiting on the overlay daemon.
const queryTimeout = 2 * time.Second

// installTimeout bounds "tailscale up", which may legitimately take
// longer than a status query on first bring-up.
const installTimeout = 30 * time.Second

// Adapter wraps the overlay control command for one Capability Handle.
type Adapter struct {
	exec exec.Executor
}

// New constructs an Adapter bound to handle.
func New(handle exec.Executor) *Adapter {
	return &Adapter{exec: handle}
}

// statusPeer is the narrow subset of "tailscale status --json" this
// package actually consumes.
type statusPeer struct {
	HostName     string   `json:"HostName"`
	DNSName      string   `json:"DNSName"`
	TailscaleIPs []string `json:"TailscaleIPs"`
	Online       bool     `json:"Online"`
}

type statusDoc struct {
	Self statusPeer            `json:"Self"`
	Peer map[string]statusPeer `json:"Peer"`
}

func (a *Adapter) status(ctx context.Context) (statusDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := a.exec.Exec(ctx, "tailscale", "status", "--json")
	if err != nil {
		return statusDoc{}, fmt.Errorf("query overlay status: %w", err)
	}
	if !result.Succeeded() {
		return statusDoc{}, fmt.Errorf("overlay status exited %d: %s", result.ExitCode, result.Stderr)
	}

	var doc statusDoc
	if err := json.Unmarshal(result.Stdout, &doc); err != nil {
		return statusDoc{}, fmt.Errorf("parse overlay status: %w", err)
	}
	return doc, nil
}

// SelfIP returns the first overlay IP assigned to this node.
func (a *Adapter) SelfIP(ctx context.Context) (string, error) {
	doc, err := a.status(ctx)
	if err != nil {
		return "", err
	}
	if len(doc.Self.TailscaleIPs) == 0 {
		return "", fmt.Errorf("overlay status reported no self IP")
	}
	return doc.Self.TailscaleIPs[0], nil
}

// SelfHostname returns this node's overlay DNS name with any trailing
// root-zone dot stripped, since a trailing dot breaks SSH name
// resolution against the same hostname.
func (a *Adapter) SelfHostname(ctx context.Context) (string, error) {
	doc, err := a.status(ctx)
	if err != nil {
		return "", err
	}
	return trimRootDot(doc.Self.DNSName), nil
}

// PeerHostname looks up a peer by its short name and returns its
// overlay DNS name, root-zone dot stripped.
func (a *Adapter) PeerHostname(ctx context.Context, name string) (string, error) {
	doc, err := a.status(ctx)
	if err != nil {
		return "", err
	}
	peer, ok := findPeer(doc, name)
	if !ok {
		return "", fmt.Errorf("peer %q not found in overlay status", name)
	}
	return trimRootDot(peer.DNSName), nil
}

// PeerIP looks up a peer by its short name and returns its first
// overlay IP.
func (a *Adapter) PeerIP(ctx context.Context, name string) (string, error) {
	doc, err := a.status(ctx)
	if err != nil {
		return "", err
	}
	peer, ok := findPeer(doc, name)
	if !ok {
		return "", fmt.Errorf("peer %q not found in overlay status", name)
	}
	if len(peer.TailscaleIPs) == 0 {
		return "", fmt.Errorf("peer %q has no overlay IP", name)
	}
	return peer.TailscaleIPs[0], nil
}

// Peer is one other node currently visible in the overlay's own status
// output, independent of anything the Peer Store has recorded.
type Peer struct {
	Hostname string
	IP       string
	Online   bool
}

// Peers lists every peer the overlay daemon currently reports,
// online or not - the Peer Mesh filters by Online itself.
func (a *Adapter) Peers(ctx context.Context) ([]Peer, error) {
	doc, err := a.status(ctx)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(doc.Peer))
	for _, p := range doc.Peer {
		if len(p.TailscaleIPs) == 0 {
			continue
		}
		peers = append(peers, Peer{
			Hostname: trimRootDot(p.DNSName),
			IP:       p.TailscaleIPs[0],
			Online:   p.Online,
		})
	}
	return peers, nil
}

// IsInstalled reports whether the overlay control binary is present on
// the target.
func (a *Adapter) IsInstalled(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := a.exec.Exec(ctx, "sh", "-c", "command -v tailscale")
	if err != nil {
		return false, fmt.Errorf("check overlay install: %w", err)
	}
	return result.Succeeded(), nil
}

// IsUp reports whether the overlay connection is currently active.
func (a *Adapter) IsUp(ctx context.Context) (bool, error) {
	doc, err := a.status(ctx)
	if err != nil {
		return false, nil //nolint:nilerr // status query failure reads as "not up", not a hard error
	}
	return doc.Self.Online, nil
}

// Install brings the overlay connection up, tolerating the daemon
// already being up rather than treating that as a failure.
func (a *Adapter) Install(ctx context.Context, authKey string) error {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	args := []string{"up", "--accept-routes"}
	if authKey != "" {
		args = append(args, "--authkey="+authKey)
	}
	result, err := a.exec.Exec(ctx, "tailscale", args...)
	if err != nil {
		return fmt.Errorf("bring up overlay: %w", err)
	}
	if !result.Succeeded() && !strings.Contains(string(result.Stderr), "already running") {
		return fmt.Errorf("overlay up exited %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

func findPeer(doc statusDoc, name string) (statusPeer, bool) {
	lower := strings.ToLower(name)
	for _, p := range doc.Peer {
		if strings.ToLower(p.HostName) == lower || strings.HasPrefix(strings.ToLower(p.DNSName), lower+".") {
			return p, true
		}
	}
	return statusPeer{}, false
}

func trimRootDot(name string) string {
	return strings.TrimSuffix(name, ".")
}
