package overlay

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	htypes "github.com/scottdkey/halvor/pkg/types"
)

// fakeExecutor stubs exec.Executor, returning a fixed result per
// program invoked so each test controls the overlay CLI's output
// directly rather than shelling out to a real "tailscale" binary.
type fakeExecutor struct {
	results map[string]htypes.CommandResult
	errs    map[string]error
}

func (f *fakeExecutor) Backend() htypes.Backend { return htypes.BackendLocal }

func (f *fakeExecutor) key(program string, args ...string) string {
	key := program
	for _, a := range args {
		key += " " + a
	}
	return key
}

func (f *fakeExecutor) Exec(_ context.Context, program string, args ...string) (htypes.CommandResult, error) {
	key := f.key(program, args...)
	if err, ok := f.errs[key]; ok {
		return htypes.CommandResult{}, err
	}
	if result, ok := f.results[key]; ok {
		return result, nil
	}
	return htypes.CommandResult{ExitCode: 127, Stderr: []byte("not stubbed: " + key)}, nil
}

func (f *fakeExecutor) Shell(context.Context, string) (htypes.CommandResult, error) { panic("unused") }
func (f *fakeExecutor) ShellTTY(context.Context, string, io.Reader, io.Writer, io.Writer) error {
	panic("unused")
}
func (f *fakeExecutor) ExecTTY(context.Context, string, []string, io.Reader, io.Writer, io.Writer) error {
	panic("unused")
}
func (f *fakeExecutor) ReadFile(context.Context, string) ([]byte, error)    { panic("unused") }
func (f *fakeExecutor) WriteFile(context.Context, string, []byte) error    { panic("unused") }
func (f *fakeExecutor) MkdirAll(context.Context, string) error             { panic("unused") }
func (f *fakeExecutor) Exists(context.Context, string) (bool, error)       { panic("unused") }
func (f *fakeExecutor) IsDir(context.Context, string) (bool, error)        { panic("unused") }
func (f *fakeExecutor) ListDir(context.Context, string) ([]string, error)  { panic("unused") }
func (f *fakeExecutor) Username(context.Context) (string, error)           { panic("unused") }
func (f *fakeExecutor) Home(context.Context) (string, error)               { panic("unused") }
func (f *fakeExecutor) UID(context.Context) (int, error)                   { panic("unused") }
func (f *fakeExecutor) GID(context.Context) (int, error)                   { panic("unused") }

const sampleStatus = `{
  "Self": {"HostName": "forge", "DNSName": "forge.tailnetxyz.ts.net.", "TailscaleIPs": ["100.64.0.1"], "Online": true},
  "Peer": {
    "x": {"HostName": "anvil", "DNSName": "anvil.tailnetxyz.ts.net.", "TailscaleIPs": ["100.64.0.2"], "Online": true}
  }
}`

func newFake() *fakeExecutor {
	return &fakeExecutor{
		results: map[string]htypes.CommandResult{
			"tailscale status --json": {ExitCode: 0, Stdout: []byte(sampleStatus)},
		},
		errs: map[string]error{},
	}
}

func TestSelfIPReadsFirstTailscaleIP(t *testing.T) {
	a := New(newFake())
	ip, err := a.SelfIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.1", ip)
}

func TestSelfHostnameStripsTrailingRootDot(t *testing.T) {
	a := New(newFake())
	name, err := a.SelfHostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forge.tailnetxyz.ts.net", name)
}

func TestPeerLookupMatchesByShortName(t *testing.T) {
	a := New(newFake())
	ip, err := a.PeerIP(context.Background(), "anvil")
	require.NoError(t, err)
	assert.Equal(t, "100.64.0.2", ip)

	hostname, err := a.PeerHostname(context.Background(), "anvil")
	require.NoError(t, err)
	assert.Equal(t, "anvil.tailnetxyz.ts.net", hostname)
}

func TestPeerLookupMissReturnsError(t *testing.T) {
	a := New(newFake())
	_, err := a.PeerIP(context.Background(), "missing")
	assert.Error(t, err)
}

func TestIsUpReflectsSelfOnlineField(t *testing.T) {
	a := New(newFake())
	up, err := a.IsUp(context.Background())
	require.NoError(t, err)
	assert.True(t, up)
}

func TestIsUpFalseWhenStatusQueryFails(t *testing.T) {
	fe := newFake()
	delete(fe.results, "tailscale status --json")
	fe.errs["tailscale status --json"] = assertErr{}
	a := New(fe)
	up, err := a.IsUp(context.Background())
	require.NoError(t, err)
	assert.False(t, up)
}

type assertErr struct{}

func (assertErr) Error() string { return "daemon unreachable" }

func TestPeersListsOnlyPeersWithAnIP(t *testing.T) {
	a := New(newFake())
	peers, err := a.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "anvil.tailnetxyz.ts.net", peers[0].Hostname)
	assert.Equal(t, "100.64.0.2", peers[0].IP)
	assert.True(t, peers[0].Online)
}
