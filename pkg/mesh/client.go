package mesh

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/scottdkey/halvor/pkg/meshproto"
)

// joinDialTimeout bounds the single connection a joiner makes to the
// issuer's agent to redeem a Join Token.
const joinDialTimeout = 10 * time.Second

// JoinResult is what a successful RequestJoin hands back to the
// caller, which is responsible for folding it into the local Peer
// Store: the issuer itself (keyed by IssuerHostname, status active)
// and every name in MeshPeers (status pending), per the mesh-join
// scenario's requirement that both sides end up listing each other.
type JoinResult struct {
	IssuerHostname string
	SharedSecret   string
	MeshPeers      []string
}

// RequestJoin redeems encodedToken against the issuer at addr,
// identifying this node as selfHostname. The joiner's public key is
// left to the caller when the overlay exposes one (e.g. a device's
// Tailscale public key); otherwise a fresh fingerprint is minted so
// the issuer still has a stable identifier to key peer state on.
func RequestJoin(ctx context.Context, addr, encodedToken, selfHostname, publicKey string) (JoinResult, error) {
	token, err := DecodeToken(encodedToken)
	if err != nil {
		return JoinResult{}, err
	}

	if publicKey == "" {
		publicKey = newPublicKeyFingerprint()
	}

	dialCtx, cancel := context.WithTimeout(ctx, joinDialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return JoinResult{}, fmt.Errorf("dial issuer agent: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(joinDialTimeout))

	req := meshproto.Request{
		Kind:            meshproto.KindJoinRequest,
		JoinToken:       encodedToken,
		JoinerHostname:  selfHostname,
		JoinerPublicKey: publicKey,
	}
	if err := meshproto.WriteFrame(conn, req); err != nil {
		return JoinResult{}, err
	}

	var resp meshproto.Response
	if err := meshproto.ReadFrame(conn, &resp); err != nil {
		return JoinResult{}, err
	}
	if resp.Kind == meshproto.KindError {
		return JoinResult{}, fmt.Errorf("issuer rejected join: %s", resp.Message)
	}
	return JoinResult{IssuerHostname: token.IssuerHostname, SharedSecret: resp.SharedSecret, MeshPeers: resp.MeshPeers}, nil
}
