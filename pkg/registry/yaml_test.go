package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRecordsParsesHostsAndPrivilege(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.yaml")
	require.NoError(t, writeFile(path, `
hosts:
  - identifier: forge
    underlay_ip: 10.0.0.5
    overlay_hostname: forge.ts.net
  - identifier: anvil
    underlay_ip: 10.0.0.6
    privilege:
      password: hunter2
      sudo_target: deploy
`))

	records, err := LoadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "forge", records[0].Identifier)
	assert.Equal(t, "10.0.0.6", records[1].UnderlayIP)
	require.NotNil(t, records[1].Privilege)
	assert.Equal(t, "deploy", records[1].Privilege.SudoTarget)
}

func TestLoadRecordsMissingFileIsNotAnError(t *testing.T) {
	records, err := LoadRecords(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
