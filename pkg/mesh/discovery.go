package mesh

import (
	"context"
	"strings"

	"github.com/scottdkey/halvor/pkg/overlay"
)

// OverlayDiscoverer adapts the overlay's own peer listing into the
// sync loop's Discoverer interface, surfacing only peers the overlay
// currently reports as online. The Peer Store is the durable record
// of mesh membership; this is only ever a source of new candidates.
type OverlayDiscoverer struct {
	adapter *overlay.Adapter
}

// NewOverlayDiscoverer wraps adapter as a Discoverer.
func NewOverlayDiscoverer(adapter *overlay.Adapter) *OverlayDiscoverer {
	return &OverlayDiscoverer{adapter: adapter}
}

// Discover implements Discoverer.
func (d *OverlayDiscoverer) Discover(ctx context.Context) ([]Candidate, error) {
	peers, err := d.adapter.Peers(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(peers))
	for _, p := range peers {
		if !p.Online || p.Hostname == "" || strings.TrimSpace(p.IP) == "" {
			continue
		}
		candidates = append(candidates, Candidate{Hostname: p.Hostname, OverlayIP: p.IP})
	}
	return candidates, nil
}
