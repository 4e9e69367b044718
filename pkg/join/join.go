// Package join implements the Join State Machine (C6): the
// orchestration that brings a node into the overlay and the cluster.
// It composes the Host Registry, Locality Resolver, Command Executor,
// Overlay Adapter, Installer Driver, and Cluster Verifier into one
// ordered sequence of phases, each logged and each either advancing or
// failing the whole run.
package join

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scottdkey/halvor/pkg/exec"
	"github.com/scottdkey/halvor/pkg/herrors"
	"github.com/scottdkey/halvor/pkg/installer"
	"github.com/scottdkey/halvor/pkg/log"
	"github.com/scottdkey/halvor/pkg/overlay"
	"github.com/scottdkey/halvor/pkg/verify"
)

// serverFlagRe matches the --server flag's value in a k3s service
// unit's ExecStart line, e.g. "--server=https://host:6443".
var serverFlagRe = regexp.MustCompile(`--server=https://[^\s]+`)

// drainTimeout and deleteTimeout bound the best-effort cleanup of an
// existing cluster membership before reinstalling - they never fail
// the run, only cap how long it waits.
const (
	drainTimeout         = 120 * time.Second
	deleteTimeout        = 30 * time.Second
	serviceWaitTimeout   = 60 * time.Second
	serviceWaitTick      = 2 * time.Second
	transcriptPathSuffix = ".transcript"
)

// Params carries every operator-supplied and environment-derived
// input a Join run needs. None of it is read from global state, so a
// run is fully reproducible from its Params.
type Params struct {
	// TargetIdentifier is the operator-supplied short name for the
	// node being joined, resolved via the Host Registry.
	TargetIdentifier string
	// PrimaryIdentifier names the existing cluster's primary node.
	// Empty means this run is initializing the first node.
	PrimaryIdentifier string

	InstallerURL string
	ServiceName  string // e.g. "k3s" or "k3s-agent"
	AuthKey      string // overlay pre-auth key, optional

	// ClusterToken is the cluster admission secret (K3S_TOKEN). If
	// empty, FETCH_CREDENTIAL reads it from the primary via C3.
	ClusterToken string

	AssumeYes bool // suppresses the CONFIRM_LEAVE prompt

	Confirm func(prompt string) bool // nil defaults to a stdin prompt
}

// Dependencies bundles the already-resolved Capability Handles and
// collaborators a Run needs. The caller (typically cmd/halvor) is
// responsible for resolving the Host Registry entries and opening the
// handles via the Locality Resolver before calling Run.
type Dependencies struct {
	Primary exec.Executor // nil when PrimaryIdentifier is empty (first node)
	Target  exec.Executor

	PrimaryOverlayIP       string
	PrimaryOverlayHostname string
}

// Result summarizes a completed run.
type Result struct {
	TargetOverlayIP       string
	TargetOverlayHostname string
	Verified              verify.Result
}

// Machine runs one Join phase sequence against a single target.
type Machine struct {
	deps    Dependencies
	overlay *overlay.Adapter
	install *installer.Driver
	logger  zerolog.Logger
}

// New constructs a Machine bound to deps.
func New(deps Dependencies) *Machine {
	return &Machine{
		deps:    deps,
		overlay: overlay.New(deps.Target),
		install: installer.New(deps.Target),
		logger:  log.WithComponent("join"),
	}
}

// Run executes the full state sequence. A FATAL phase returns
// immediately with a herrors.Error identifying the phase; CLEANUP
// phases are best-effort and never abort the run.
func (m *Machine) Run(ctx context.Context, p Params) (Result, error) {
	m.logger.Info().Str("target", p.TargetIdentifier).Msg("START")

	credential, err := m.fetchCredential(ctx, p)
	if err != nil {
		return Result{}, herrors.New(herrors.KindConfiguration, "FETCH_CREDENTIAL", err)
	}

	if err := m.ensureOverlay(ctx, p); err != nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "ENSURE_OVERLAY", err)
	}

	selfIP, selfHostname, err := m.discoverSelfOverlay(ctx)
	if err != nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "DISCOVER_SELF_OVERLAY", err)
	}
	sanNames := buildSANList(p.TargetIdentifier, selfHostname)
	m.logger.Debug().Strs("san", sanNames).Msg("DISCOVER_SELF_OVERLAY")

	joined, err := m.checkExistingCluster(ctx, p.ServiceName)
	if err != nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "CHECK_EXISTING_CLUSTER", err)
	}
	if joined {
		aborted, err := m.leaveExistingCluster(ctx, p)
		if err != nil {
			return Result{}, herrors.New(herrors.KindEnvironmental, "STOP_EXISTING_SERVICE", err)
		}
		if aborted {
			m.logger.Info().Msg("EXIT_OK: operator declined to replace existing membership")
			return Result{}, nil
		}
	}
	if err := m.cleanupStale(ctx, p.ServiceName); err != nil {
		m.logger.Warn().Err(err).Msg("CLEANUP_STALE encountered a non-fatal error")
	}

	transcriptPath, err := m.runInstall(ctx, p, credential, sanNames)
	if err != nil {
		return Result{}, herrors.New(herrors.KindProtocol, "INSTALL", err)
	}

	transcript, err := readTranscript(transcriptPath)
	if err != nil {
		return Result{}, herrors.New(herrors.KindProtocol, "INSPECT_TRANSCRIPT", err)
	}
	findings := inspectTranscript(transcript)
	m.logger.Info().Bool("skipped_service_start", findings.SkippedServiceStart).Msg("INSPECT_TRANSCRIPT")

	if _, err := m.repairServiceUnit(ctx, p.ServiceName, findings); err != nil {
		return Result{}, herrors.New(herrors.KindProtocol, "REPAIR_SERVICE_UNIT", err)
	}

	if err := m.waitServiceActive(ctx, p.ServiceName); err != nil {
		return Result{}, m.serviceActivationFailure(ctx, p.ServiceName, err)
	}

	if err := m.installDependencyOverride(ctx, p.ServiceName); err != nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "INSTALL_DEPENDENCY_OVERRIDE", err)
	}

	verified, err := m.verify(ctx, p)
	if err != nil {
		return Result{}, err // already a *herrors.Error from verify.Verify
	}

	if err := m.installAgentService(ctx); err != nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "INSTALL_AGENT_SERVICE", err)
	}

	m.logger.Info().Str("target", p.TargetIdentifier).Msg("DONE")
	return Result{TargetOverlayIP: selfIP, TargetOverlayHostname: selfHostname, Verified: verified}, nil
}

// fetchCredential returns the cluster admission secret, preferring an
// explicit Params value (which itself may have been sourced from
// K3S_TOKEN) over reading it from the primary's node-token file.
func (m *Machine) fetchCredential(ctx context.Context, p Params) (string, error) {
	if p.ClusterToken != "" {
		return p.ClusterToken, nil
	}
	if m.deps.Primary == nil {
		return "", nil // first node: no primary to fetch a token from
	}
	data, err := m.deps.Primary.ReadFile(ctx, "/var/lib/rancher/k3s/server/node-token")
	if err != nil {
		return "", fmt.Errorf("read cluster token from primary: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ensureOverlay brings the overlay up through the adapter's Install,
// tolerating an already-up daemon as success. It does not install the
// overlay daemon: when the control command is absent on the target it
// returns an error.
func (m *Machine) ensureOverlay(ctx context.Context, p Params) error {
	installed, err := m.overlay.IsInstalled(ctx)
	if err != nil {
		return fmt.Errorf("check overlay install: %w", err)
	}
	if !installed {
		return fmt.Errorf("overlay control command not found on target; install it before joining")
	}
	return m.overlay.Install(ctx, p.AuthKey)
}

func (m *Machine) discoverSelfOverlay(ctx context.Context) (ip, hostname string, err error) {
	ip, err = m.overlay.SelfIP(ctx)
	if err != nil {
		return "", "", err
	}
	hostname, err = m.overlay.SelfHostname(ctx)
	if err != nil {
		return "", "", err
	}
	return ip, hostname, nil
}

// buildSANList names every form a TLS client might present the
// target's identity as, per spec.md's requirement that the TLS SAN
// list include the hostname forms even though the --server URL itself
// must use the overlay IP literal.
func buildSANList(identifier, overlayHostname string) []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range []string{identifier, overlayHostname} {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// checkExistingCluster reports whether the target is already a member
// of a running cluster by checking whether its service unit is active.
func (m *Machine) checkExistingCluster(ctx context.Context, serviceName string) (bool, error) {
	if serviceName == "" {
		return false, nil
	}
	result, err := m.deps.Target.Exec(ctx, "systemctl", "is-active", serviceName)
	if err != nil {
		return false, fmt.Errorf("check existing service state: %w", err)
	}
	return strings.TrimSpace(string(result.Stdout)) == "active", nil
}

// leaveExistingCluster runs CONFIRM_LEAVE, DRAIN_AND_DELETE_SELF, and
// STOP_EXISTING_SERVICE. aborted is true when the operator declined.
func (m *Machine) leaveExistingCluster(ctx context.Context, p Params) (aborted bool, err error) {
	if !p.AssumeYes && !m.confirm(p, "a prior cluster membership was detected on this node; replace it?") {
		return true, nil
	}

	m.drainAndDeleteSelf(ctx, p.TargetIdentifier)

	result, err := m.deps.Target.Exec(ctx, "systemctl", "stop", p.ServiceName)
	if err != nil {
		return false, fmt.Errorf("stop existing service: %w", err)
	}
	if !result.Succeeded() {
		m.logger.Warn().Int("exit_code", result.ExitCode).Msg("STOP_EXISTING_SERVICE: non-zero exit, continuing")
	}
	return false, nil
}

func (m *Machine) confirm(p Params, prompt string) bool {
	if p.Confirm != nil {
		return p.Confirm(prompt)
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	return line == "y" || line == "yes"
}

// drainAndDeleteSelf is best-effort and bounded; failures here never
// abort the run, since CLEANUP_STALE proceeds regardless.
func (m *Machine) drainAndDeleteSelf(ctx context.Context, targetIdentifier string) {
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	if _, err := m.deps.Target.Exec(drainCtx, "kubectl", "drain", targetIdentifier, "--ignore-daemonsets", "--delete-emptydir-data", "--force"); err != nil {
		m.logger.Warn().Err(err).Msg("DRAIN_AND_DELETE_SELF: drain failed, continuing")
	}
	cancel()

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	if _, err := m.deps.Target.Exec(deleteCtx, "kubectl", "delete", "node", targetIdentifier); err != nil {
		m.logger.Warn().Err(err).Msg("DRAIN_AND_DELETE_SELF: node delete failed, continuing")
	}
	cancel()
}

// cleanupStale removes residue from a prior install that would
// otherwise make a fresh install misbehave.
func (m *Machine) cleanupStale(ctx context.Context, serviceName string) error {
	paths := []string{
		"/etc/rancher",
		"/var/lib/rancher/" + serviceName,
		"/etc/systemd/system/" + serviceName + ".service.d",
	}
	for _, path := range paths {
		if _, err := m.deps.Target.Exec(ctx, "rm", "-rf", path); err != nil {
			return fmt.Errorf("remove stale path %s: %w", path, err)
		}
	}
	return nil
}

// runInstall downloads and patches the installer, invokes it with the
// composed arguments, and tees the full transcript to a file for
// INSPECT_TRANSCRIPT to read back.
func (m *Machine) runInstall(ctx context.Context, p Params, credential string, sanNames []string) (string, error) {
	scriptPath, err := m.install.Fetch(ctx, p.InstallerURL, p.ServiceName)
	if err != nil {
		return "", err
	}

	serverURL := ""
	if m.deps.PrimaryOverlayIP != "" {
		serverURL = fmt.Sprintf("https://%s:6443", m.deps.PrimaryOverlayIP)
	}

	command := composeInstallCommand(scriptPath, serverURL, credential, sanNames, m.deps.Primary == nil)
	transcriptPath := "/tmp/" + p.ServiceName + "-install" + transcriptPathSuffix
	teeCommand := fmt.Sprintf("%s 2>&1 | tee %s", command, transcriptPath)

	result, err := m.deps.Target.Shell(ctx, teeCommand)
	if err != nil {
		return "", fmt.Errorf("run installer: %w", err)
	}
	if !result.Succeeded() {
		return "", fmt.Errorf("installer exited %d", result.ExitCode)
	}
	return transcriptPath, nil
}

// composeInstallCommand builds the shell invocation: the --server flag
// MUST name the primary's overlay IP literal, never its hostname,
// because the init system starts the service before name resolution
// is guaranteed to work. clusterInit marks the first node, which
// bootstraps its own etcd datastore rather than joining a --server.
func composeInstallCommand(scriptPath, serverURL, credential string, sanNames []string, clusterInit bool) string {
	var sb strings.Builder
	if credential != "" {
		sb.WriteString("K3S_TOKEN=" + shellQuote(credential) + " ")
	}
	sb.WriteString(scriptPath)
	if clusterInit {
		sb.WriteString(" --cluster-init")
	}
	if serverURL != "" {
		sb.WriteString(" --server " + shellQuote(serverURL))
	}
	for _, san := range sanNames {
		sb.WriteString(" --tls-san " + shellQuote(san))
	}
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// repairServiceUnit rewrites the service unit's server URL from an
// overlay hostname to the overlay IP if present, reloads systemd, and
// restarts the service if the transcript reported a skipped start -
// Open Question 3's resolution, a single clean stop/start cycle rather
// than two competing repair paths.
func (m *Machine) repairServiceUnit(ctx context.Context, serviceName string, findings transcriptFindings) (changed bool, err error) {
	unitPath := "/etc/systemd/system/" + serviceName + ".service"
	data, err := m.deps.Target.ReadFile(ctx, unitPath)
	if err != nil {
		return false, fmt.Errorf("read service unit: %w", err)
	}
	unit := string(data)

	if m.deps.PrimaryOverlayIP != "" {
		for _, endpoint := range serverFlagRe.FindAllString(unit, -1) {
			host := strings.TrimPrefix(endpoint, "--server=")
			host = strings.TrimPrefix(host, "https://")
			if hostLooksLikeHostname(host) {
				unit = strings.ReplaceAll(unit, host, m.deps.PrimaryOverlayIP+":6443")
				changed = true
			}
		}
	}

	if changed {
		if err := m.deps.Target.WriteFile(ctx, unitPath, []byte(unit)); err != nil {
			return false, fmt.Errorf("write repaired service unit: %w", err)
		}
	}

	if changed || findings.SkippedServiceStart {
		if err := m.restartServiceClean(ctx, serviceName); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// hostLooksLikeHostname is a coarse check: an IPv4/IPv6 literal never
// contains a letter, so any letter in the host portion means it is a
// name that needs rewriting to the overlay IP.
func hostLooksLikeHostname(endpoint string) bool {
	host := strings.TrimPrefix(endpoint, "https://")
	host, _, _ = strings.Cut(host, ":")
	for _, r := range host {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

// restartServiceClean is the single repair step for both the
// "skipping service start" finding and an explicit server-URL rewrite:
// stop, daemon-reload, start.
func (m *Machine) restartServiceClean(ctx context.Context, serviceName string) error {
	steps := [][]string{
		{"systemctl", "stop", serviceName},
		{"systemctl", "daemon-reload"},
		{"systemctl", "start", serviceName},
	}
	for _, step := range steps {
		result, err := m.deps.Target.Exec(ctx, step[0], step[1:]...)
		if err != nil {
			return fmt.Errorf("run %s: %w", strings.Join(step, " "), err)
		}
		if !result.Succeeded() {
			return fmt.Errorf("%s exited %d: %s", strings.Join(step, " "), result.ExitCode, result.Stderr)
		}
	}
	return nil
}

// waitServiceActive polls "systemctl is-active" up to serviceWaitTimeout.
func (m *Machine) waitServiceActive(ctx context.Context, serviceName string) error {
	deadline := time.Now().Add(serviceWaitTimeout)
	for {
		result, err := m.deps.Target.Exec(ctx, "systemctl", "is-active", serviceName)
		if err == nil {
			state := strings.TrimSpace(string(result.Stdout))
			if state == "active" {
				return nil
			}
			m.logger.Info().Str("state", state).Msg("WAIT_SERVICE_ACTIVE: polling")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service %s did not become active within %s", serviceName, serviceWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(serviceWaitTick):
		}
	}
}

// serviceActivationFailure reads the journal and surfaces the last
// error lines before the caller gives up, and re-enters
// REPAIR_SERVICE_UNIT exactly once when the journal shows a name
// resolution failure.
func (m *Machine) serviceActivationFailure(ctx context.Context, serviceName string, waitErr error) error {
	result, _ := m.deps.Target.Exec(ctx, "journalctl", "-u", serviceName, "-n", "50", "--no-pager")
	journal := string(result.Stdout)

	if strings.Contains(journal, "no such host") || strings.Contains(strings.ToLower(journal), "lookup") {
		m.logger.Warn().Msg("WAIT_SERVICE_ACTIVE: name resolution failure in journal, retrying REPAIR_SERVICE_UNIT once")
		if _, err := m.repairServiceUnit(ctx, serviceName, transcriptFindings{SkippedServiceStart: true}); err == nil {
			if err := m.waitServiceActive(ctx, serviceName); err == nil {
				return nil
			}
		}
	}

	return herrors.New(herrors.KindProtocol, "WAIT_SERVICE_ACTIVE", waitErr).WithContext(lastLines(journal, 10))
}

const dependencyOverrideTemplate = `[Unit]
After=tailscaled.service
Wants=tailscaled.service
`

// installDependencyOverride drops a systemd override declaring the
// service After/Wants the overlay daemon, so a reboot brings the
// overlay up before the cluster service tries to bind it.
func (m *Machine) installDependencyOverride(ctx context.Context, serviceName string) error {
	dir := "/etc/systemd/system/" + serviceName + ".service.d"
	if err := m.deps.Target.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("create override directory: %w", err)
	}
	path := dir + "/10-overlay.conf"
	if err := m.deps.Target.WriteFile(ctx, path, []byte(dependencyOverrideTemplate)); err != nil {
		return fmt.Errorf("write override: %w", err)
	}
	result, err := m.deps.Target.Exec(ctx, "systemctl", "daemon-reload")
	if err != nil {
		return fmt.Errorf("daemon-reload after override: %w", err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("daemon-reload exited %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

// verify hands off to the Cluster Verifier with spec.md's 30x10s
// retry budget.
func (m *Machine) verify(ctx context.Context, p Params) (verify.Result, error) {
	kubeconfigPath := "/etc/rancher/k3s/k3s.yaml"
	v := verify.New(nil, m.deps.Target, kubeconfigPath, p.ServiceName)
	return v.Verify(ctx, verify.DefaultConfig, p.TargetIdentifier)
}

// installAgentService installs halvor's own agent daemon as a systemd
// unit if absent, and logs-and-skips if present but stopped - the
// operator may have deliberately stopped it.
func (m *Machine) installAgentService(ctx context.Context) error {
	const unitName = "halvor-agent.service"
	exists, err := m.deps.Target.Exists(ctx, "/etc/systemd/system/"+unitName)
	if err != nil {
		return fmt.Errorf("check agent service presence: %w", err)
	}
	if exists {
		m.logger.Info().Msg("INSTALL_AGENT_SERVICE: already present, leaving operator-managed state alone")
		return nil
	}

	exePath, err := m.deps.Target.Exec(ctx, "sh", "-c", "command -v halvor")
	if err != nil {
		return fmt.Errorf("locate halvor binary on target: %w", err)
	}
	unit := fmt.Sprintf(agentServiceTemplate, strings.TrimSpace(string(exePath.Stdout)))
	if err := m.deps.Target.WriteFile(ctx, "/etc/systemd/system/"+unitName, []byte(unit)); err != nil {
		return fmt.Errorf("write agent service unit: %w", err)
	}

	for _, args := range [][]string{{"daemon-reload"}, {"enable", "--now", unitName}} {
		result, err := m.deps.Target.Exec(ctx, "systemctl", args...)
		if err != nil {
			return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
		}
		if !result.Succeeded() {
			return fmt.Errorf("systemctl %s exited %d: %s", strings.Join(args, " "), result.ExitCode, result.Stderr)
		}
	}
	return nil
}

const agentServiceTemplate = `[Unit]
Description=halvor agent
After=network-online.target tailscaled.service
Wants=network-online.target tailscaled.service

[Service]
ExecStart=%s agent run
Restart=on-failure

[Install]
WantedBy=multi-user.target
`
