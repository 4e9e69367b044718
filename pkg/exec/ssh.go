package exec

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	htypes "github.com/scottdkey/halvor/pkg/types"
)

// keyProbeTimeout bounds the one-time key-based auth probe performed
// at handle construction.
const keyProbeTimeout = 3 * time.Second

// SSHConfig names the target and the login identity to use.
type SSHConfig struct {
	Host string
	Port int
	User string
}

// SSH is the remote backend: it opens one ssh(1) invocation per
// capability call. A one-time key probe at construction (using
// golang.org/x/crypto/ssh directly, against the running ssh-agent)
// decides whether subsequent invocations run with BatchMode=yes
// (non-interactive) or allow interactive password/passphrase prompts.
// Interactive and TTY sessions still shell out to the system ssh
// binary: a library client cannot hand the operator's real terminal
// to a remote shell the way "ssh -tt" does.
type SSH struct {
	cfg       SSHConfig
	priv      *htypes.PrivilegeMaterial
	batchMode bool
}

// NewSSH constructs an SSH executor, probing key-based auth once.
func NewSSH(cfg SSHConfig, priv *htypes.PrivilegeMaterial) *SSH {
	return &SSH{cfg: cfg, priv: priv, batchMode: probeKeyAuth(cfg)}
}

func (s *SSH) Backend() htypes.Backend { return htypes.BackendSSH }

// probeKeyAuth attempts a short, key-only SSH handshake via the local
// ssh-agent. Any failure (no agent, no matching key, handshake
// timeout) is treated as "no key auth available" rather than an error
// - the caller falls back to interactive auth for real invocations.
func probeKeyAuth(cfg SSHConfig) bool {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return false
	}
	conn, err := net.DialTimeout("unix", sock, keyProbeTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	ag := agent.NewClient(conn)
	signers, err := ag.Signers()
	if err != nil || len(signers) == 0 {
		return false
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // probe only, never used to run commands
		Timeout:         keyProbeTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, portOrDefault(cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return false
	}
	defer client.Close()
	return true
}

func portOrDefault(port int) string {
	if port == 0 {
		port = 22
	}
	return strconv.Itoa(port)
}

func (s *SSH) sshArgs(extra ...string) []string {
	args := []string{"-p", portOrDefault(s.cfg.Port)}
	if s.batchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args, s.cfg.User+"@"+s.cfg.Host)
	args = append(args, extra...)
	return args
}

func (s *SSH) Shell(ctx context.Context, cmd string) (htypes.CommandResult, error) {
	remoteCmd := injectSudo(cmd, s.priv)
	args := s.sshArgs(remoteCmd)
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdin = nil

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := htypes.CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	return finishSSHResult(result, err)
}

func (s *SSH) ShellTTY(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	remoteCmd := injectSudo(cmd, s.priv)
	args := append([]string{"-tt"}, s.sshArgs(remoteCmd)...)
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdin = stdin
	c.Stdout = stdout
	c.Stderr = stderr
	return c.Run()
}

func (s *SSH) Exec(ctx context.Context, program string, args ...string) (htypes.CommandResult, error) {
	return s.Shell(ctx, quoteArgs(program, args))
}

func (s *SSH) ExecTTY(ctx context.Context, program string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return s.ShellTTY(ctx, quoteArgs(program, args), stdin, stdout, stderr)
}

func quoteArgs(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(program))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func (s *SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	result, err := s.Shell(ctx, "cat "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("read %s: %s", path, result.Stderr)
	}
	return result.Stdout, nil
}

// WriteFile base64-encodes the payload into a single ssh invocation.
// For privileged paths, the payload travels as a quoted command
// argument to an inner "sh -c", not over the same stdin the outer
// sudo invocation reads its password from - this is what lets a
// single ssh round trip carry both the password and the payload
// without tangling the two streams.
func (s *SSH) WriteFile(ctx context.Context, path string, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	var cmd string
	if isPrivilegedPath(path) && s.priv.HasPrivilege() {
		inner := fmt.Sprintf("echo %s | base64 -d > %s", shellQuote(encoded), shellQuote(path))
		sudoFlags := "-S"
		if s.priv.SudoTarget != "" {
			sudoFlags = "-S -u " + shellQuote(s.priv.SudoTarget)
		}
		cmd = fmt.Sprintf("echo %s | sudo %s sh -c %s", shellQuote(s.priv.Password), sudoFlags, shellQuote(inner))
	} else {
		cmd = fmt.Sprintf("echo %s | base64 -d > %s", shellQuote(encoded), shellQuote(path))
	}
	result, err := s.rawShell(ctx, cmd)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("write %s: %s", path, result.Stderr)
	}
	return nil
}

// rawShell runs cmd over ssh without a second pass through
// injectSudo, for callers (WriteFile) that have already composed
// their own escalation pipeline.
func (s *SSH) rawShell(ctx context.Context, cmd string) (htypes.CommandResult, error) {
	args := s.sshArgs(cmd)
	c := exec.CommandContext(ctx, "ssh", args...)
	c.Stdin = nil

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	result := htypes.CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	return finishSSHResult(result, err)
}

func (s *SSH) MkdirAll(ctx context.Context, path string) error {
	result, err := s.Shell(ctx, "mkdir -p "+shellQuote(path))
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		return fmt.Errorf("mkdir -p %s: %s", path, result.Stderr)
	}
	return nil
}

func (s *SSH) Exists(ctx context.Context, path string) (bool, error) {
	result, err := s.Shell(ctx, "test -e "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return result.Succeeded(), nil
}

func (s *SSH) IsDir(ctx context.Context, path string) (bool, error) {
	result, err := s.Shell(ctx, "test -d "+shellQuote(path))
	if err != nil {
		return false, err
	}
	return result.Succeeded(), nil
}

func (s *SSH) ListDir(ctx context.Context, path string) ([]string, error) {
	result, err := s.Shell(ctx, "ls -1 "+shellQuote(path))
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

func (s *SSH) Username(ctx context.Context) (string, error) {
	result, err := s.Shell(ctx, "whoami")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}

func (s *SSH) Home(ctx context.Context) (string, error) {
	result, err := s.Shell(ctx, "printf %s \"$HOME\"")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(result.Stdout)), nil
}

func (s *SSH) UID(ctx context.Context) (int, error) {
	result, err := s.Shell(ctx, "id -u")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(result.Stdout)))
}

func (s *SSH) GID(ctx context.Context) (int, error) {
	result, err := s.Shell(ctx, "id -g")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(result.Stdout)))
}

func finishSSHResult(result htypes.CommandResult, err error) (htypes.CommandResult, error) {
	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf("ssh transport failure: %w", err)
}
