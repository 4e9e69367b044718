// Package installer downloads and patches the third-party cluster
// installer script before it ever touches a target host.
package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/scottdkey/halvor/pkg/exec"
)

// downloadTimeout bounds the entire fetch, including retries.
const downloadTimeout = 30 * time.Second

// Driver downloads, patches, and stages the installer script on a
// target via its Capability Handle.
type Driver struct {
	exec exec.Executor
	http *retryablehttp.Client
}

// New constructs a Driver bound to handle. A dedicated retryable HTTP
// client absorbs transient download failures (the upstream installer
// host is outside halvor's control) without the caller needing its own
// retry loop.
func New(handle exec.Executor) *Driver {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil // the ambient logger handles diagnostics, not retryablehttp's own
	return &Driver{exec: handle, http: client}
}

// Fetch downloads the installer script from url, applies the patch
// list, writes it to /tmp/<name>.sh on the target, marks it
// executable, and returns its path without invoking it.
func (d *Driver) Fetch(ctx context.Context, url, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	raw, err := d.download(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download installer: %w", err)
	}

	patched := applyPatches(raw)

	path := fmt.Sprintf("/tmp/%s.sh", name)
	if err := d.exec.WriteFile(ctx, path, []byte(patched)); err != nil {
		return "", fmt.Errorf("write installer to target: %w", err)
	}

	result, err := d.exec.Exec(ctx, "chmod", "+x", path)
	if err != nil {
		return "", fmt.Errorf("mark installer executable: %w", err)
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("chmod +x %s exited %d: %s", path, result.ExitCode, result.Stderr)
	}

	return path, nil
}

func (d *Driver) download(ctx context.Context, url string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("installer host returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read installer body: %w", err)
	}
	return string(body), nil
}

// applyPatches runs the fixed, ordered patch list against raw
// installer text. Each patch is isolated so a reviewer can trace any
// one rewrite back to the exact upstream failure it works around.
func applyPatches(raw string) string {
	text := raw
	text = neutralizeSystemdWipe(text)
	text = repairMalformedSudo(text)
	text = installSudoShim(text)
	text = shadowSystemctlPager(text)
	return text
}

var systemdWipeRe = regexp.MustCompile(`(?m)^[ \t]*rm[ \t]+-f[ \t]+/etc/systemd/system[ \t]*$`)

// neutralizeSystemdWipe comments out any line that blindly removes
// /etc/systemd/system wholesale. The upstream installer emits this
// when it misdetects the init system on certain distros, and running
// it destroys every unit file on the host.
func neutralizeSystemdWipe(text string) string {
	return systemdWipeRe.ReplaceAllStringFunc(text, func(line string) string {
		return "# halvor: neutralized systemd wipe: " + strings.TrimSpace(line)
	})
}

var malformedSudoRe = regexp.MustCompile(`sudo[ \t]*(\n|\|\||&&|$)`)

// repairMalformedSudo replaces bare/truncated "sudo" invocations
// (a trailing newline, "||", "&&", or end of string right after
// "sudo") with "sudo -v", a harmless credential-cache refresh that
// keeps the surrounding control flow intact.
func repairMalformedSudo(text string) string {
	return malformedSudoRe.ReplaceAllString(text, "sudo -v$1")
}

const sudoShim = `_sudo() {
  if [ "$(id -u)" -eq 0 ]; then
    "$@"
  else
    sudo "$@"
  fi
}
`

var escalationCallSiteRe = regexp.MustCompile(`\bsudo[ \t]+(systemctl|mkdir|tee|chmod|chown)\b`)

// installSudoShim prepends the _sudo helper and rewrites known
// escalation call sites to route through it, so the installer no-ops
// the escalation when it is already running as root instead of
// failing when sudo itself is unavailable.
func installSudoShim(text string) string {
	rewritten := escalationCallSiteRe.ReplaceAllString(text, "_sudo $1")
	return sudoShim + rewritten
}

var shebangRe = regexp.MustCompile(`(?m)^#!.*\n`)

const systemctlPagerShim = `systemctl() {
  case "$1" in
    status|list-units|list-unit-files|show)
      command systemctl --no-pager "$@"
      ;;
    *)
      command systemctl "$@"
      ;;
  esac
}
`

// shadowSystemctlPager inserts a PATH-local systemctl wrapper that
// adds --no-pager to read-only subcommands, so installer output
// intended for a log never blocks on a pager.
func shadowSystemctlPager(text string) string {
	loc := shebangRe.FindStringIndex(text)
	if loc == nil {
		return systemctlPagerShim + text
	}
	return text[:loc[1]] + systemctlPagerShim + text[loc[1]:]
}
