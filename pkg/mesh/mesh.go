// Package mesh is the Peer Mesh: membership, join-token issuance, and
// the periodic sync loop that reconciles the Peer Store against
// reachable agents. The sync loop's ticker+stopCh shape mirrors the
// teacher's reconciler package.
package mesh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scottdkey/halvor/pkg/log"
	"github.com/scottdkey/halvor/pkg/meshproto"
	"github.com/scottdkey/halvor/pkg/metrics"
	"github.com/scottdkey/halvor/pkg/peerstore"
	"github.com/scottdkey/halvor/pkg/types"
)

const syncInterval = 60 * time.Second
const syncDialTimeout = 5 * time.Second

// Candidate is a discovered, potentially-reachable peer, sourced from
// the overlay's own peer list rather than the Peer Store.
type Candidate struct {
	Hostname  string
	OverlayIP string
}

// Discoverer enumerates currently reachable agents outside of what the
// Peer Store already knows about, typically backed by overlay.Adapter.
type Discoverer interface {
	Discover(ctx context.Context) ([]Candidate, error)
}

// Mesh runs the periodic sync cycle on one agent.
type Mesh struct {
	store        *peerstore.Store
	discoverer   Discoverer
	selfHostname string
	agentPort    int
	logger       zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Mesh bound to store, discovering new candidates via
// discoverer (may be nil, which disables discovery and relies solely
// on the existing Peer Store).
func New(store *peerstore.Store, discoverer Discoverer, selfHostname string, agentPort int) *Mesh {
	return &Mesh{
		store:        store,
		discoverer:   discoverer,
		selfHostname: selfHostname,
		agentPort:    agentPort,
		logger:       log.WithComponent("mesh"),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the sync loop.
func (m *Mesh) Start() {
	go m.run()
}

// Stop halts the sync loop.
func (m *Mesh) Stop() {
	close(m.stopCh)
}

func (m *Mesh) run() {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("peer mesh sync loop started")

	for {
		select {
		case <-ticker.C:
			m.syncCycle(context.Background())
		case <-m.stopCh:
			m.logger.Info().Msg("peer mesh sync loop stopped")
			return
		}
	}
}

func (m *Mesh) syncCycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SyncCycleDuration)
		metrics.SyncCyclesTotal.Inc()
	}()

	known, err := m.store.All()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list known peers")
		return
	}

	members := mergeMembers(known, m.discoverCandidates(ctx))

	for _, member := range members {
		if strings.EqualFold(member.Hostname, m.selfHostname) {
			continue
		}
		m.syncOne(ctx, member)
	}
}

type member struct {
	Hostname  string
	OverlayIP string
	Status    types.PeerStatus
}

func mergeMembers(known []types.PeerRecord, discovered []Candidate) []member {
	byHost := make(map[string]member, len(known)+len(discovered))
	for _, r := range known {
		if r.Status == types.PeerStatusRemoved {
			continue
		}
		byHost[strings.ToLower(r.Hostname)] = member{Hostname: r.Hostname, OverlayIP: r.OverlayIP, Status: r.Status}
	}
	for _, c := range discovered {
		key := strings.ToLower(c.Hostname)
		if _, exists := byHost[key]; exists {
			continue
		}
		byHost[key] = member{Hostname: c.Hostname, OverlayIP: c.OverlayIP, Status: types.PeerStatusPending}
	}

	out := make([]member, 0, len(byHost))
	for _, v := range byHost {
		out = append(out, v)
	}
	return out
}

func (m *Mesh) discoverCandidates(ctx context.Context) []Candidate {
	if m.discoverer == nil {
		return nil
	}
	candidates, err := m.discoverer.Discover(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("peer discovery failed this cycle")
		return nil
	}
	return candidates
}

// syncOne reaches out to one peer's agent and folds the result back
// into the Peer Store. Failures are logged and retried next cycle -
// a partitioned peer is never removed here.
func (m *Mesh) syncOne(ctx context.Context, mem member) {
	if mem.OverlayIP == "" {
		return
	}
	peerLogger := log.WithPeer(m.logger, mem.Hostname)
	addr := net.JoinHostPort(mem.OverlayIP, strconv.Itoa(m.agentPort))

	resp, err := m.callSyncDatabase(ctx, addr, m.authPayload(mem.Hostname))
	if err != nil {
		metrics.SyncFailuresTotal.WithLabelValues(mem.Hostname).Inc()
		peerLogger.Warn().Err(err).Msg("sync with peer failed")
		return
	}

	if mem.Status == types.PeerStatusPending {
		record, found, err := m.store.Get(mem.Hostname)
		if err != nil {
			peerLogger.Error().Err(err).Msg("failed to read peer record")
			return
		}
		if !found {
			record = types.PeerRecord{Hostname: mem.Hostname, OverlayIP: mem.OverlayIP, Status: types.PeerStatusActive, JoinedAt: time.Now()}
		} else {
			record.Status = types.PeerStatusActive
		}
		if err := m.store.Upsert(record); err != nil {
			peerLogger.Error().Err(err).Msg("failed to upsert peer record")
			return
		}
	}

	if err := m.store.UpdateLastSeen(mem.Hostname, time.Now()); err != nil {
		peerLogger.Warn().Err(err).Msg("failed to update last-seen")
	}

	for _, peerHostname := range resp.Peers {
		if strings.EqualFold(peerHostname, m.selfHostname) {
			continue
		}
		if _, found, _ := m.store.Get(peerHostname); found {
			continue
		}
		_ = m.store.Upsert(types.PeerRecord{Hostname: peerHostname, Status: types.PeerStatusPending, JoinedAt: time.Now()})
	}
}

// authPayload builds the encrypted proof-of-secret attached to a
// SyncDatabase request, once this node and peerHostname have already
// exchanged a shared secret via a Join Token redemption. A peer still
// in PeerStatusPending has no secret yet, so the payload is omitted
// and the peer authenticates implicitly by overlay membership alone,
// same as before the first successful sync.
func (m *Mesh) authPayload(peerHostname string) []byte {
	record, found, err := m.store.Get(peerHostname)
	if err != nil || !found || record.SharedSecret == "" {
		return nil
	}
	payload, err := EncryptPayload(record.SharedSecret, []byte(m.selfHostname))
	if err != nil {
		log.WithPeer(m.logger, peerHostname).Warn().Err(err).Msg("failed to seal sync auth payload")
		return nil
	}
	return payload
}

func (m *Mesh) callSyncDatabase(ctx context.Context, addr string, authPayload []byte) (meshproto.Response, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, syncDialTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return meshproto.Response{}, fmt.Errorf("dial peer agent: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(syncDialTimeout))

	req := meshproto.Request{Kind: meshproto.KindSyncDatabase, FromHostname: m.selfHostname, Payload: authPayload}
	if err := meshproto.WriteFrame(conn, req); err != nil {
		return meshproto.Response{}, err
	}
	var resp meshproto.Response
	if err := meshproto.ReadFrame(conn, &resp); err != nil {
		return meshproto.Response{}, err
	}
	if resp.Kind == meshproto.KindError {
		return meshproto.Response{}, fmt.Errorf("peer returned error: %s", resp.Message)
	}
	return resp, nil
}

// RenameMember performs the delete-then-insert rename the Peer Store
// invariant requires when a peer's normalized hostname changes, e.g.
// because SyncDatabase reported a new FromHostname for an already
// known overlay identity.
func (m *Mesh) RenameMember(oldHostname, newHostname string) error {
	return m.store.RenameHostname(oldHostname, newHostname)
}
