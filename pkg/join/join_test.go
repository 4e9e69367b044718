package join

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	htypes "github.com/scottdkey/halvor/pkg/types"
)

// fakeTarget is a minimal, map-backed exec.Executor fake: Exec/Shell
// replies are scripted by command key, files live in an in-memory map
// so ReadFile/WriteFile/MkdirAll/Exists round-trip realistically.
type fakeTarget struct {
	execResponses map[string][]htypes.CommandResult
	execCalls     map[string]int
	shellResponse htypes.CommandResult
	shellErr      error
	files         map[string]string
	dirs          map[string]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		execResponses: map[string][]htypes.CommandResult{},
		execCalls:     map[string]int{},
		files:         map[string]string{},
		dirs:          map[string]bool{},
	}
}

func (f *fakeTarget) script(key string, results ...htypes.CommandResult) {
	f.execResponses[key] = results
}

func (f *fakeTarget) Backend() htypes.Backend { return htypes.BackendLocal }

func (f *fakeTarget) Exec(_ context.Context, program string, args ...string) (htypes.CommandResult, error) {
	key := program
	for _, a := range args {
		key += " " + a
	}
	seq, ok := f.execResponses[key]
	if !ok {
		return htypes.CommandResult{ExitCode: 0}, nil
	}
	idx := f.execCalls[key]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	f.execCalls[key]++
	return seq[idx], nil
}

func (f *fakeTarget) Shell(context.Context, string) (htypes.CommandResult, error) {
	return f.shellResponse, f.shellErr
}
func (f *fakeTarget) ShellTTY(context.Context, string, io.Reader, io.Writer, io.Writer) error {
	panic("unused")
}
func (f *fakeTarget) ExecTTY(context.Context, string, []string, io.Reader, io.Writer, io.Writer) error {
	panic("unused")
}

func (f *fakeTarget) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, assert.AnError
	}
	return []byte(data), nil
}

func (f *fakeTarget) WriteFile(_ context.Context, path string, data []byte) error {
	f.files[path] = string(data)
	return nil
}

func (f *fakeTarget) MkdirAll(_ context.Context, path string) error {
	f.dirs[path] = true
	return nil
}

func (f *fakeTarget) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.files[path]
	return ok, nil
}

func (f *fakeTarget) IsDir(context.Context, string) (bool, error)       { panic("unused") }
func (f *fakeTarget) ListDir(context.Context, string) ([]string, error) { panic("unused") }
func (f *fakeTarget) Username(context.Context) (string, error)          { panic("unused") }
func (f *fakeTarget) Home(context.Context) (string, error)              { panic("unused") }
func (f *fakeTarget) UID(context.Context) (int, error)                  { panic("unused") }
func (f *fakeTarget) GID(context.Context) (int, error)                  { panic("unused") }

func TestBuildSANListDedupesAndSkipsEmpty(t *testing.T) {
	assert.Equal(t, []string{"forge"}, buildSANList("forge", ""))
	assert.Equal(t, []string{"forge"}, buildSANList("forge", "forge"))
	assert.Equal(t, []string{"forge", "forge.ts.net"}, buildSANList("forge", "forge.ts.net"))
}

func TestComposeInstallCommandOmitsTokenAndServerWhenAbsent(t *testing.T) {
	cmd := composeInstallCommand("/tmp/k3s.sh", "", "", nil, false)
	assert.Equal(t, "/tmp/k3s.sh", cmd)
}

func TestComposeInstallCommandQuotesTokenAndServer(t *testing.T) {
	cmd := composeInstallCommand("/tmp/k3s.sh", "https://100.64.0.1:6443", "sekrit", []string{"beta", "beta.ts.net"}, false)
	assert.Contains(t, cmd, "K3S_TOKEN='sekrit'")
	assert.Contains(t, cmd, "--server 'https://100.64.0.1:6443'")
	assert.Contains(t, cmd, "--tls-san 'beta'")
	assert.Contains(t, cmd, "--tls-san 'beta.ts.net'")
	assert.NotContains(t, cmd, "--cluster-init")
}

func TestComposeInstallCommandAddsClusterInitForFirstNode(t *testing.T) {
	cmd := composeInstallCommand("/tmp/k3s.sh", "", "tok", []string{"alpha"}, true)
	assert.Contains(t, cmd, "--cluster-init")
	assert.Contains(t, cmd, "--tls-san 'alpha'")
}

func TestInspectTranscriptDetectsSkippedServiceStart(t *testing.T) {
	findings := inspectTranscript("Starting k3s\nNo change detected, skipping service start\nDone")
	assert.True(t, findings.SkippedServiceStart)
}

func TestInspectTranscriptLeavesSkippedFalseOnCleanRun(t *testing.T) {
	findings := inspectTranscript("Starting k3s\nservice started\nDone")
	assert.False(t, findings.SkippedServiceStart)
}

func TestHostLooksLikeHostnameRejectsIPLiterals(t *testing.T) {
	assert.False(t, hostLooksLikeHostname("100.64.0.1:6443"))
	assert.True(t, hostLooksLikeHostname("forge.ts.net:6443"))
}

func TestCheckExistingClusterReadsServiceState(t *testing.T) {
	target := newFakeTarget()
	target.script("systemctl is-active k3s", htypes.CommandResult{ExitCode: 0, Stdout: []byte("active\n")})
	m := &Machine{deps: Dependencies{Target: target}}

	joined, err := m.checkExistingCluster(context.Background(), "k3s")
	require.NoError(t, err)
	assert.True(t, joined)
}

func TestCheckExistingClusterFalseWhenNoServiceName(t *testing.T) {
	m := &Machine{deps: Dependencies{Target: newFakeTarget()}}
	joined, err := m.checkExistingCluster(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, joined)
}

func TestRepairServiceUnitRewritesHostnameToOverlayIP(t *testing.T) {
	target := newFakeTarget()
	target.files["/etc/systemd/system/k3s-agent.service"] = "ExecStart=/usr/local/bin/k3s agent --server=https://forge.ts.net:6443\n"
	target.script("systemctl stop k3s-agent", htypes.CommandResult{ExitCode: 0})
	target.script("systemctl daemon-reload", htypes.CommandResult{ExitCode: 0})
	target.script("systemctl start k3s-agent", htypes.CommandResult{ExitCode: 0})

	m := &Machine{deps: Dependencies{Target: target, PrimaryOverlayIP: "100.64.0.1"}}
	changed, err := m.repairServiceUnit(context.Background(), "k3s-agent", transcriptFindings{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Contains(t, target.files["/etc/systemd/system/k3s-agent.service"], "100.64.0.1:6443")
}

func TestRepairServiceUnitForcesRestartOnSkippedServiceStart(t *testing.T) {
	target := newFakeTarget()
	target.files["/etc/systemd/system/k3s-agent.service"] = "ExecStart=/usr/local/bin/k3s agent --server=https://100.64.0.1:6443\n"
	target.script("systemctl stop k3s-agent", htypes.CommandResult{ExitCode: 0})
	target.script("systemctl daemon-reload", htypes.CommandResult{ExitCode: 0})
	target.script("systemctl start k3s-agent", htypes.CommandResult{ExitCode: 0})

	m := &Machine{deps: Dependencies{Target: target}}
	_, err := m.repairServiceUnit(context.Background(), "k3s-agent", transcriptFindings{SkippedServiceStart: true})
	require.NoError(t, err)
	assert.Equal(t, 1, target.execCalls["systemctl start k3s-agent"])
}

func TestWaitServiceActiveReturnsOnceActive(t *testing.T) {
	target := newFakeTarget()
	target.script("systemctl is-active k3s", htypes.CommandResult{ExitCode: 0, Stdout: []byte("active\n")})

	m := &Machine{deps: Dependencies{Target: target}}
	err := m.waitServiceActive(context.Background(), "k3s")
	assert.NoError(t, err)
}

func TestWaitServiceActiveTimesOutWhenNeverActive(t *testing.T) {
	target := newFakeTarget()
	target.script("systemctl is-active k3s", htypes.CommandResult{ExitCode: 3, Stdout: []byte("activating\n")})

	m := &Machine{deps: Dependencies{Target: target}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.waitServiceActive(ctx, "k3s")
	assert.Error(t, err)
}

func TestInstallDependencyOverrideWritesUnitAndReloads(t *testing.T) {
	target := newFakeTarget()
	target.script("systemctl daemon-reload", htypes.CommandResult{ExitCode: 0})

	m := &Machine{deps: Dependencies{Target: target}}
	err := m.installDependencyOverride(context.Background(), "k3s")
	require.NoError(t, err)
	assert.Contains(t, target.files["/etc/systemd/system/k3s.service.d/10-overlay.conf"], "tailscaled.service")
}

func TestInstallAgentServiceSkipsWhenAlreadyPresent(t *testing.T) {
	target := newFakeTarget()
	target.files["/etc/systemd/system/halvor-agent.service"] = "[Unit]\n"

	m := &Machine{deps: Dependencies{Target: target}}
	err := m.installAgentService(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, target.execCalls, "systemctl enable --now halvor-agent.service")
}

func TestInstallAgentServiceInstallsWhenAbsent(t *testing.T) {
	target := newFakeTarget()
	target.script("sh -c command -v halvor", htypes.CommandResult{ExitCode: 0, Stdout: []byte("/usr/local/bin/halvor\n")})
	target.script("systemctl daemon-reload", htypes.CommandResult{ExitCode: 0})
	target.script("systemctl enable --now halvor-agent.service", htypes.CommandResult{ExitCode: 0})

	m := &Machine{deps: Dependencies{Target: target}}
	err := m.installAgentService(context.Background())
	require.NoError(t, err)
	assert.Contains(t, target.files["/etc/systemd/system/halvor-agent.service"], "/usr/local/bin/halvor agent run")
}

func TestFetchCredentialPrefersExplicitTokenOverPrimaryRead(t *testing.T) {
	m := &Machine{}
	token, err := m.fetchCredential(context.Background(), Params{ClusterToken: "from-flag"})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", token)
}

func TestFetchCredentialReadsFromPrimaryWhenAbsent(t *testing.T) {
	primary := newFakeTarget()
	primary.files["/var/lib/rancher/k3s/server/node-token"] = "abc123\n"
	m := &Machine{deps: Dependencies{Primary: primary}}

	token, err := m.fetchCredential(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
}

func TestFetchCredentialEmptyWhenNoPrimaryAndNoToken(t *testing.T) {
	m := &Machine{}
	token, err := m.fetchCredential(context.Background(), Params{})
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestLeaveExistingClusterHonorsDeclinedConfirmation(t *testing.T) {
	target := newFakeTarget()
	m := &Machine{deps: Dependencies{Target: target}}

	aborted, err := m.leaveExistingCluster(context.Background(), Params{
		Confirm: func(string) bool { return false },
	})
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.NotContains(t, target.execCalls, "systemctl stop ")
}

func TestLeaveExistingClusterStopsServiceWhenConfirmed(t *testing.T) {
	target := newFakeTarget()
	target.script("systemctl stop k3s", htypes.CommandResult{ExitCode: 0})

	m := &Machine{deps: Dependencies{Target: target}}
	aborted, err := m.leaveExistingCluster(context.Background(), Params{
		ServiceName: "k3s",
		Confirm:     func(string) bool { return true },
	})
	require.NoError(t, err)
	assert.False(t, aborted)
	assert.Equal(t, 1, target.execCalls["systemctl stop k3s"])
}
