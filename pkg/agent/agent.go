// Package agent is the Agent Server: it accepts framed JSON requests
// from peers and operators, executes requested capabilities under its
// own identity, and brokers new peers into the mesh.
package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/scottdkey/halvor/pkg/exec"
	"github.com/scottdkey/halvor/pkg/log"
	"github.com/scottdkey/halvor/pkg/mesh"
	"github.com/scottdkey/halvor/pkg/meshproto"
	"github.com/scottdkey/halvor/pkg/metrics"
	"github.com/scottdkey/halvor/pkg/peerstore"
	"github.com/scottdkey/halvor/pkg/types"
)

// requestTimeout bounds how long the server spends serving a single
// connection before it gives up and closes it.
const requestTimeout = 30 * time.Second

// Server listens for agent protocol connections.
type Server struct {
	listener     net.Listener
	exec         exec.Executor
	store        *peerstore.Store
	selfHostname string
	normalize    func(string) string
	logger       zerolog.Logger
}

// New constructs a Server that will serve on port once Serve runs.
// exec is the local Capability Handle the server uses to satisfy
// ExecuteCommand/GetHostInfo requests under its own identity. normalize
// strips the configured overlay hostname suffixes, matching the Peer
// Store's invariant that every record key is already normalized
// (peers report their hostname with whatever suffix their own overlay
// client attaches, which is not normalize's job to guess at remotely).
func New(handle exec.Executor, store *peerstore.Store, selfHostname string, normalize func(string) string) *Server {
	return &Server{exec: handle, store: store, selfHostname: selfHostname, normalize: normalize, logger: log.WithComponent("agent")}
}

// Serve binds port and runs the accept loop until ctx is canceled.
func (s *Server) Serve(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("listen on agent port %d: %w", port, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info().Int("port", port).Msg("agent server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept agent connection: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	var req meshproto.Request
	if err := meshproto.ReadFrame(conn, &req); err != nil {
		s.logger.Warn().Err(err).Msg("failed to read request frame")
		return
	}

	timer := metrics.NewTimer()
	resp := s.dispatch(context.Background(), req)
	timer.ObserveDurationVec(metrics.AgentRequestDuration, string(req.Kind))
	metrics.AgentRequestsTotal.WithLabelValues(string(req.Kind), string(resp.Kind)).Inc()

	if err := meshproto.WriteFrame(conn, resp); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response frame")
	}
}

func (s *Server) dispatch(ctx context.Context, req meshproto.Request) meshproto.Response {
	switch req.Kind {
	case meshproto.KindPing:
		return meshproto.Response{Kind: meshproto.KindPong}
	case meshproto.KindExecuteCommand:
		return s.handleExecuteCommand(ctx, req)
	case meshproto.KindGetHostInfo:
		return s.handleGetHostInfo(ctx)
	case meshproto.KindSyncDatabase:
		return s.handleSyncDatabase(req)
	case meshproto.KindJoinRequest:
		return s.handleJoinRequest(req)
	default:
		return errorResponse(fmt.Sprintf("unknown request kind %q", req.Kind))
	}
}

// handleExecuteCommand backs the mesh-agent executor backend. It runs
// under the agent's own identity - any escalation must already be
// baked into the command by the caller.
func (s *Server) handleExecuteCommand(ctx context.Context, req meshproto.Request) meshproto.Response {
	result, err := s.exec.Exec(ctx, req.Program, req.Args...)
	if err != nil {
		return errorResponse(err.Error())
	}
	return meshproto.Response{
		Kind:     meshproto.KindCommandOutput,
		Stdout:   string(result.Stdout),
		Stderr:   string(result.Stderr),
		ExitCode: result.ExitCode,
	}
}

func (s *Server) handleGetHostInfo(ctx context.Context) meshproto.Response {
	username, err := s.exec.Username(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}
	home, err := s.exec.Home(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}
	uid, err := s.exec.UID(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}
	gid, err := s.exec.GID(ctx)
	if err != nil {
		return errorResponse(err.Error())
	}
	return meshproto.Response{
		Kind:     meshproto.KindHostInfo,
		Hostname: s.selfHostname,
		Username: username,
		Home:     home,
		UID:      uid,
		GID:      gid,
	}
}

// handleSyncDatabase replies with the hostnames of every currently
// active peer, which the caller folds into its own Peer Store. Once a
// peer has exchanged a shared secret via a Join Token redemption,
// every subsequent SyncDatabase request from it must carry a payload
// that decrypts under that secret; a peer that never completed a join
// has no secret on file yet and is admitted without one.
func (s *Server) handleSyncDatabase(req meshproto.Request) meshproto.Response {
	if err := s.checkSyncAuth(req); err != nil {
		return errorResponse(fmt.Sprintf("sync auth rejected: %v", err))
	}

	if err := s.admitDiscoveredPeer(req.FromHostname); err != nil {
		s.logger.Warn().Err(err).Str("from", req.FromHostname).Msg("failed to admit syncing peer")
	}

	active, err := s.store.ActivePeers()
	if err != nil {
		return errorResponse(err.Error())
	}
	hostnames := make([]string, 0, len(active))
	for _, p := range active {
		hostnames = append(hostnames, p.Hostname)
	}
	return meshproto.Response{Kind: meshproto.KindSyncAccepted, Peers: hostnames}
}

// checkSyncAuth verifies req.Payload against the stored shared secret
// for req.FromHostname, if one is on file. A peer with no stored
// secret is not yet held to this check.
func (s *Server) checkSyncAuth(req meshproto.Request) error {
	fromHostname := s.normalize(req.FromHostname)
	record, found, err := s.store.Get(fromHostname)
	if err != nil {
		return fmt.Errorf("look up peer record: %w", err)
	}
	if !found || record.SharedSecret == "" {
		return nil
	}
	if len(req.Payload) == 0 {
		return fmt.Errorf("missing auth payload for established peer %q", fromHostname)
	}
	plaintext, err := mesh.DecryptPayload(record.SharedSecret, req.Payload)
	if err != nil {
		return fmt.Errorf("decrypt auth payload: %w", err)
	}
	if string(plaintext) != fromHostname {
		return fmt.Errorf("auth payload identifies %q, request claims %q", plaintext, fromHostname)
	}
	return nil
}

// admitDiscoveredPeer records a previously unknown syncing peer as
// pending, so a future cycle can exchange a shared secret with it
// lazily rather than requiring it to have gone through JoinRequest.
func (s *Server) admitDiscoveredPeer(fromHostname string) error {
	fromHostname = s.normalize(fromHostname)
	if fromHostname == "" || fromHostname == s.selfHostname {
		return nil
	}
	if _, found, err := s.store.Get(fromHostname); err != nil {
		return err
	} else if found {
		return s.store.UpdateLastSeen(fromHostname, time.Now())
	}
	return s.store.Upsert(types.PeerRecord{Hostname: fromHostname, Status: types.PeerStatusPending, JoinedAt: time.Now()})
}

// handleJoinRequest decodes and validates the Join Token, persists a
// new Peer Record for the joiner, mints a fresh per-relationship
// shared secret, and replies with the currently-active peer set.
func (s *Server) handleJoinRequest(req meshproto.Request) meshproto.Response {
	token, err := mesh.ValidateToken(req.JoinToken, time.Now())
	if err != nil {
		return errorResponse(fmt.Sprintf("join token rejected: %v", err))
	}
	_ = token // issuer identity is implicit in the token's validity; the joiner is named by the request fields

	joinerHostname := s.normalize(req.JoinerHostname)
	if joinerHostname == "" {
		return errorResponse("join request missing joiner hostname")
	}

	secret, err := mesh.GenerateSharedSecret()
	if err != nil {
		return errorResponse(err.Error())
	}

	record := types.PeerRecord{
		Hostname:     joinerHostname,
		PublicKey:    req.JoinerPublicKey,
		SharedSecret: secret,
		Status:       types.PeerStatusActive,
		JoinedAt:     time.Now(),
		LastSeenAt:   time.Now(),
	}
	if err := s.store.Upsert(record); err != nil {
		return errorResponse(err.Error())
	}

	active, err := s.store.ActivePeers()
	if err != nil {
		return errorResponse(err.Error())
	}
	meshPeers := make([]string, 0, len(active))
	for _, p := range active {
		if p.Hostname != joinerHostname {
			meshPeers = append(meshPeers, p.Hostname)
		}
	}

	return meshproto.Response{Kind: meshproto.KindJoinAccepted, SharedSecret: secret, MeshPeers: meshPeers}
}

func errorResponse(message string) meshproto.Response {
	return meshproto.Response{Kind: meshproto.KindError, Message: message}
}
