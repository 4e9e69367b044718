package installer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeutralizeSystemdWipeCommentsLine(t *testing.T) {
	raw := "echo start\nrm -f /etc/systemd/system\necho end\n"
	out := neutralizeSystemdWipe(raw)
	assert.NotContains(t, out, "\nrm -f /etc/systemd/system\n")
	assert.Contains(t, out, "# halvor: neutralized systemd wipe")
}

func TestNeutralizeSystemdWipeLeavesUnrelatedRmAlone(t *testing.T) {
	raw := "rm -f /etc/systemd/system/k3s.service\n"
	out := neutralizeSystemdWipe(raw)
	assert.Equal(t, raw, out)
}

func TestRepairMalformedSudoFixesTruncatedInvocations(t *testing.T) {
	assert.Equal(t, "sudo -v\n", repairMalformedSudo("sudo\n"))
	assert.Equal(t, "sudo -v||", repairMalformedSudo("sudo||"))
	assert.Equal(t, "sudo -v&&", repairMalformedSudo("sudo&&"))
	assert.Equal(t, "sudo -v", repairMalformedSudo("sudo"))
}

func TestInstallSudoShimRewritesKnownCallSites(t *testing.T) {
	raw := "sudo systemctl restart k3s\nsudo mkdir -p /etc/rancher\n"
	out := installSudoShim(raw)
	assert.True(t, strings.HasPrefix(out, sudoShim))
	assert.Contains(t, out, "_sudo systemctl restart k3s")
	assert.Contains(t, out, "_sudo mkdir -p /etc/rancher")
	assert.NotContains(t, out, "\nsudo systemctl")
}

func TestShadowSystemctlPagerInsertsAfterShebang(t *testing.T) {
	raw := "#!/bin/sh\necho hi\n"
	out := shadowSystemctlPager(raw)
	assert.True(t, strings.HasPrefix(out, "#!/bin/sh\n"))
	assert.Contains(t, out, "command systemctl --no-pager")
}

func TestShadowSystemctlPagerPrependsWithoutShebang(t *testing.T) {
	raw := "echo hi\n"
	out := shadowSystemctlPager(raw)
	assert.True(t, strings.HasPrefix(out, "systemctl() {"))
}

func TestApplyPatchesComposesAllFour(t *testing.T) {
	raw := "#!/bin/sh\nrm -f /etc/systemd/system\nsudo\nsudo chmod 644 /tmp/x\n"
	out := applyPatches(raw)
	assert.Contains(t, out, "# halvor: neutralized systemd wipe")
	assert.Contains(t, out, "sudo -v\n")
	assert.Contains(t, out, "_sudo chmod 644 /tmp/x")
	assert.Contains(t, out, "command systemctl --no-pager")
}
