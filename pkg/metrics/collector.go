package metrics

import (
	"time"

	"github.com/scottdkey/halvor/pkg/peerstore"
	"github.com/scottdkey/halvor/pkg/types"
)

// Collector periodically snapshots the Peer Store into the
// PeersTotal gauge, the way the teacher's metrics collector
// periodically snapshot manager state into gauges.
type Collector struct {
	store  *peerstore.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector bound to store.
func NewCollector(store *peerstore.Store) *Collector {
	return &Collector{store: store, stopCh: make(chan struct{})}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	records, err := c.store.All()
	if err != nil {
		return
	}

	counts := map[types.PeerStatus]int{
		types.PeerStatusActive:  0,
		types.PeerStatusPending: 0,
		types.PeerStatusRemoved: 0,
	}
	for _, r := range records {
		counts[r.Status]++
	}
	for status, count := range counts {
		PeersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
