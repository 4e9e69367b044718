package exec

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/scottdkey/halvor/pkg/meshproto"
	htypes "github.com/scottdkey/halvor/pkg/types"
)

// dialTimeout bounds opening the TCP connection to the peer's agent.
const dialTimeout = 3 * time.Second

// MeshAgent is the remote backend that marshals every capability call
// as a single ExecuteCommand RPC to the peer's agent server. The
// server executes under its own identity, so privilege escalation
// stays the caller's responsibility - commands built here still carry
// their own "sudo -S" pipelines via injectSudo.
type MeshAgent struct {
	addr string // host:port of the peer's agent
	priv *htypes.PrivilegeMaterial
}

// NewMeshAgent constructs a MeshAgent executor targeting addr.
func NewMeshAgent(addr string, priv *htypes.PrivilegeMaterial) *MeshAgent {
	return &MeshAgent{addr: addr, priv: priv}
}

func (m *MeshAgent) Backend() htypes.Backend { return htypes.BackendMeshAgent }

// call opens one connection, sends req, and returns the single
// response frame, per the mesh wire contract (one request per
// connection, server closes after responding).
func (m *MeshAgent) call(ctx context.Context, req meshproto.Request) (meshproto.Response, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", m.addr)
	if err != nil {
		return meshproto.Response{}, fmt.Errorf("dial agent %s: %w", m.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := meshproto.WriteFrame(conn, req); err != nil {
		return meshproto.Response{}, err
	}
	var resp meshproto.Response
	if err := meshproto.ReadFrame(conn, &resp); err != nil {
		return meshproto.Response{}, err
	}
	if resp.Kind == meshproto.KindError {
		return meshproto.Response{}, fmt.Errorf("agent error: %s", resp.Message)
	}
	return resp, nil
}

func (m *MeshAgent) executeShell(ctx context.Context, cmd string) (htypes.CommandResult, error) {
	cmd = injectSudo(cmd, m.priv)
	resp, err := m.call(ctx, meshproto.Request{
		Kind:    meshproto.KindExecuteCommand,
		Program: "/bin/sh",
		Args:    []string{"-c", cmd},
	})
	if err != nil {
		return htypes.CommandResult{}, err
	}
	return htypes.CommandResult{
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}, nil
}

func (m *MeshAgent) Shell(ctx context.Context, cmd string) (htypes.CommandResult, error) {
	return m.executeShell(ctx, cmd)
}

// ShellTTY has no pseudoterminal over the mesh wire protocol (a single
// request/response frame cannot stream); it falls back to running the
// command non-interactively and writing the captured output to the
// provided writers. Escalation prompts will not render - callers that
// need an interactive prompt on a mesh-only peer should route through
// SSH instead.
func (m *MeshAgent) ShellTTY(ctx context.Context, cmd string, _ io.Reader, stdout, stderr io.Writer) error {
	result, err := m.executeShell(ctx, cmd)
	if err != nil {
		return err
	}
	if stdout != nil {
		_, _ = stdout.Write(result.Stdout)
	}
	if stderr != nil {
		_, _ = stderr.Write(result.Stderr)
	}
	return nil
}

func (m *MeshAgent) Exec(ctx context.Context, program string, args ...string) (htypes.CommandResult, error) {
	resp, err := m.call(ctx, meshproto.Request{Kind: meshproto.KindExecuteCommand, Program: program, Args: args})
	if err != nil {
		return htypes.CommandResult{}, err
	}
	return htypes.CommandResult{ExitCode: resp.ExitCode, Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr)}, nil
}

func (m *MeshAgent) ExecTTY(ctx context.Context, program string, args []string, _ io.Reader, stdout, stderr io.Writer) error {
	result, err := m.Exec(ctx, program, args...)
	if err != nil {
		return err
	}
	if stdout != nil {
		_, _ = stdout.Write(result.Stdout)
	}
	if stderr != nil {
		_, _ = stderr.Write(result.Stderr)
	}
	return nil
}

func (m *MeshAgent) ReadFile(ctx context.Context, path string) ([]byte, error) {
	result, err := m.executeShell(ctx, "cat "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("read %s: %s", path, result.Stderr)
	}
	return result.Stdout, nil
}

// WriteFile synthesizes a base64-decoding shell pipeline so the
// payload survives JSON framing intact, escalating through
// injectSudo when path is privileged, exactly as the local backend
// does - the only difference is the pipeline runs on the peer.
func (m *MeshAgent) WriteFile(ctx context.Context, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	cmd := fmt.Sprintf("echo %s | base64 -d | sudo tee %s > /dev/null", shellQuote(encoded), shellQuote(path))
	if !isPrivilegedPath(path) {
		cmd = fmt.Sprintf("echo %s | base64 -d > %s", shellQuote(encoded), shellQuote(path))
	}
	result, err := m.executeShell(ctx, cmd)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("write %s: %s", path, result.Stderr)
	}
	return nil
}

func (m *MeshAgent) MkdirAll(ctx context.Context, path string) error {
	result, err := m.executeShell(ctx, "mkdir -p "+shellQuote(path))
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("mkdir -p %s: %s", path, result.Stderr)
	}
	return nil
}

func (m *MeshAgent) Exists(ctx context.Context, path string) (bool, error) {
	result, err := m.executeShell(ctx, "test -e "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return result.Succeeded(), nil
}

func (m *MeshAgent) IsDir(ctx context.Context, path string) (bool, error) {
	result, err := m.executeShell(ctx, "test -d "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return result.Succeeded(), nil
}

func (m *MeshAgent) ListDir(ctx context.Context, path string) ([]string, error) {
	result, err := m.executeShell(ctx, "ls -1 "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("list %s: %s", path, result.Stderr)
	}
	lines := strings.Split(strings.TrimRight(string(result.Stdout), "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, path+"/"+l)
		}
	}
	return out, nil
}

func (m *MeshAgent) Username(ctx context.Context) (string, error) {
	resp, err := m.call(ctx, meshproto.Request{Kind: meshproto.KindGetHostInfo})
	if err != nil {
		return "", err
	}
	return resp.Username, nil
}

func (m *MeshAgent) Home(ctx context.Context) (string, error) {
	resp, err := m.call(ctx, meshproto.Request{Kind: meshproto.KindGetHostInfo})
	if err != nil {
		return "", err
	}
	return resp.Home, nil
}

func (m *MeshAgent) UID(ctx context.Context) (int, error) {
	resp, err := m.call(ctx, meshproto.Request{Kind: meshproto.KindGetHostInfo})
	if err != nil {
		return 0, err
	}
	return resp.UID, nil
}

func (m *MeshAgent) GID(ctx context.Context) (int, error) {
	resp, err := m.call(ctx, meshproto.Request{Kind: meshproto.KindGetHostInfo})
	if err != nil {
		return 0, err
	}
	return resp.GID, nil
}

// Ping performs the Locality Resolver's reachability probe: a bare
// Ping request that must return Pong within the dial/read timeout.
func Ping(ctx context.Context, addr string) error {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(dialTimeout))
	}

	if err := meshproto.WriteFrame(conn, meshproto.Request{Kind: meshproto.KindPing}); err != nil {
		return err
	}
	var resp meshproto.Response
	if err := meshproto.ReadFrame(conn, &resp); err != nil {
		return err
	}
	if resp.Kind != meshproto.KindPong {
		return fmt.Errorf("unexpected ping response: %s", resp.Kind)
	}
	return nil
}
