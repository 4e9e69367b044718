package exec

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scottdkey/halvor/pkg/meshproto"
)

// serveOnce accepts a single connection on ln, reads one request frame,
// hands it to handle, writes the returned response, and closes the
// connection - mirroring the real agent server's per-connection contract.
func serveOnce(t *testing.T, ln net.Listener, handle func(meshproto.Request) meshproto.Response) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	var req meshproto.Request
	require.NoError(t, meshproto.ReadFrame(conn, &req))
	resp := handle(req)
	require.NoError(t, meshproto.WriteFrame(conn, resp))
}

func TestMeshAgentShellRoundTrips(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOnce(t, ln, func(req meshproto.Request) meshproto.Response {
			require.Equal(t, meshproto.KindExecuteCommand, req.Kind)
			require.Equal(t, "/bin/sh", req.Program)
			require.Equal(t, []string{"-c", "uptime"}, req.Args)
			return meshproto.Response{Kind: meshproto.KindCommandOutput, Stdout: "up 3 days\n", ExitCode: 0}
		})
	}()

	m := NewMeshAgent(ln.Addr().String(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := m.Shell(ctx, "uptime")
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, "up 3 days\n", string(result.Stdout))

	<-done
}

func TestMeshAgentCallSurfacesAgentError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOnce(t, ln, func(meshproto.Request) meshproto.Response {
			return meshproto.Response{Kind: meshproto.KindError, Message: "unknown program"}
		})
	}()

	m := NewMeshAgent(ln.Addr().String(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = m.Exec(ctx, "/bin/doesnotexist")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown program")

	<-done
}

func TestMeshAgentHostInfoPopulatesFromHostInfoResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOnce(t, ln, func(req meshproto.Request) meshproto.Response {
			require.Equal(t, meshproto.KindGetHostInfo, req.Kind)
			return meshproto.Response{Kind: meshproto.KindHostInfo, Username: "k3s-admin", Home: "/home/k3s-admin", UID: 1001, GID: 1001}
		})
	}()

	m := NewMeshAgent(ln.Addr().String(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	username, err := m.Username(ctx)
	require.NoError(t, err)
	require.Equal(t, "k3s-admin", username)

	<-done
}

func TestPingSucceedsAgainstPongResponder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOnce(t, ln, func(req meshproto.Request) meshproto.Response {
			require.Equal(t, meshproto.KindPing, req.Kind)
			return meshproto.Response{Kind: meshproto.KindPong}
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Ping(ctx, ln.Addr().String()))

	<-done
}

func TestPingFailsWhenNoListenerPresent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	// An address with nothing listening should fail fast rather than
	// hang past the dial timeout.
	err := Ping(ctx, "127.0.0.1:1")
	require.Error(t, err)
}
