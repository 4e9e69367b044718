package mesh

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottdkey/halvor/pkg/overlay"
	htypes "github.com/scottdkey/halvor/pkg/types"
)

type fakeOverlayExec struct {
	status string
}

func (f *fakeOverlayExec) Backend() htypes.Backend { return htypes.BackendLocal }
func (f *fakeOverlayExec) Exec(context.Context, string, ...string) (htypes.CommandResult, error) {
	return htypes.CommandResult{ExitCode: 0, Stdout: []byte(f.status)}, nil
}
func (f *fakeOverlayExec) Shell(context.Context, string) (htypes.CommandResult, error) {
	panic("unused")
}
func (f *fakeOverlayExec) ShellTTY(context.Context, string, io.Reader, io.Writer, io.Writer) error {
	panic("unused")
}
func (f *fakeOverlayExec) ExecTTY(context.Context, string, []string, io.Reader, io.Writer, io.Writer) error {
	panic("unused")
}
func (f *fakeOverlayExec) ReadFile(context.Context, string) ([]byte, error)   { panic("unused") }
func (f *fakeOverlayExec) WriteFile(context.Context, string, []byte) error   { panic("unused") }
func (f *fakeOverlayExec) MkdirAll(context.Context, string) error            { panic("unused") }
func (f *fakeOverlayExec) Exists(context.Context, string) (bool, error)      { panic("unused") }
func (f *fakeOverlayExec) IsDir(context.Context, string) (bool, error)       { panic("unused") }
func (f *fakeOverlayExec) ListDir(context.Context, string) ([]string, error) { panic("unused") }
func (f *fakeOverlayExec) Username(context.Context) (string, error)          { panic("unused") }
func (f *fakeOverlayExec) Home(context.Context) (string, error)              { panic("unused") }
func (f *fakeOverlayExec) UID(context.Context) (int, error)                  { panic("unused") }
func (f *fakeOverlayExec) GID(context.Context) (int, error)                  { panic("unused") }

const sampleOverlayStatus = `{
  "Self": {"HostName": "forge", "DNSName": "forge.ts.net.", "TailscaleIPs": ["100.64.0.1"], "Online": true},
  "Peer": {
    "a": {"HostName": "anvil", "DNSName": "anvil.ts.net.", "TailscaleIPs": ["100.64.0.2"], "Online": true},
    "b": {"HostName": "forge-offline", "DNSName": "forge-offline.ts.net.", "TailscaleIPs": ["100.64.0.3"], "Online": false}
  }
}`

func TestOverlayDiscovererSurfacesOnlyOnlinePeers(t *testing.T) {
	adapter := overlay.New(&fakeOverlayExec{status: sampleOverlayStatus})
	d := NewOverlayDiscoverer(adapter)

	candidates, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "anvil.ts.net", candidates[0].Hostname)
	assert.Equal(t, "100.64.0.2", candidates[0].OverlayIP)
}
