// Package verify implements the Cluster Verifier: it confirms a
// joining node has actually registered and gone Ready before the join
// state machine reports success.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scottdkey/halvor/pkg/exec"
	"github.com/scottdkey/halvor/pkg/herrors"
	"github.com/scottdkey/halvor/pkg/types"
)

// Config bounds the retry envelope.
type Config struct {
	Attempts int
	Delay    time.Duration
}

// DefaultConfig matches spec.md's stated retry budget: 30 attempts at
// 10 seconds apart, a 5-minute ceiling for first registration.
var DefaultConfig = Config{Attempts: 30, Delay: 10 * time.Second}

// Verifier checks one target node's cluster membership via a
// workstation-side or node-local kubectl-equivalent client.
type Verifier struct {
	workstation exec.Executor // may be nil if only node-local verification is available
	node        exec.Executor // the joining node itself; preferred when present
	kubeconfig  string        // stable local path to the Cluster Credential Document
	serviceName string        // local service unit name, used for the Unknown/absent exception
}

// New constructs a Verifier. node may be nil when only workstation-side
// verification is available (falls back per spec.md §4.7 step 3).
func New(workstation, node exec.Executor, kubeconfig, serviceName string) *Verifier {
	return &Verifier{workstation: workstation, node: node, kubeconfig: kubeconfig, serviceName: serviceName}
}

// nodeListEntry is the narrow subset of `kubectl get nodes -o json`
// this package consumes.
type nodeListEntry struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Status struct {
		Conditions []struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"conditions"`
	} `json:"status"`
}

type nodeList struct {
	Items []nodeListEntry `json:"items"`
}

// Result describes the outcome of a successful verification.
type Result struct {
	NodeName   string
	Conditions []types.NodeCondition
}

// Verify polls until targetNode is present and Ready, or the retry
// budget is exhausted.
func (v *Verifier) Verify(ctx context.Context, cfg Config, targetNode string) (Result, error) {
	client := v.pickClient()
	if client == nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "verify.Verify", fmt.Errorf("no kubectl-equivalent client available"))
	}
	if err := v.confirmClientExists(ctx, client); err != nil {
		return Result{}, herrors.New(herrors.KindEnvironmental, "verify.Verify", err)
	}

	// Certificate/DNS errors from the reachability probe are
	// informational only: the credential document may target a name
	// the workstation cannot resolve even though the node itself is
	// fine.
	_ = v.probeReachability(ctx, client)

	var lastConditions []types.NodeCondition
	var lastServiceActive bool

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		conditions, serviceActive, found, err := v.checkOnce(ctx, client, targetNode)
		if err != nil {
			return Result{}, herrors.New(herrors.KindTransport, "verify.Verify", err).WithContext(fmt.Sprintf("attempt %d/%d", attempt, cfg.Attempts))
		}
		if found {
			lastConditions = conditions
			lastServiceActive = serviceActive
			if ready, _ := readyFromConditions(conditions, serviceActive); ready {
				return Result{NodeName: targetNode, Conditions: conditions}, nil
			}
		}

		if attempt == cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{}, herrors.New(herrors.KindTransport, "verify.Verify", ctx.Err())
		case <-time.After(cfg.Delay):
		}
	}

	return Result{}, v.terminalFailure(targetNode, lastConditions, lastServiceActive)
}

func (v *Verifier) pickClient() exec.Executor {
	if v.node != nil {
		return v.node
	}
	return v.workstation
}

func (v *Verifier) confirmClientExists(ctx context.Context, client exec.Executor) error {
	result, err := client.Exec(ctx, "sh", "-c", "command -v kubectl")
	if err != nil {
		return fmt.Errorf("check kubectl presence: %w", err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("kubectl not found on verification client")
	}
	return nil
}

func (v *Verifier) probeReachability(ctx context.Context, client exec.Executor) error {
	_, err := client.Exec(ctx, "kubectl", "--kubeconfig", v.kubeconfig, "cluster-info")
	return err
}

func (v *Verifier) checkOnce(ctx context.Context, client exec.Executor, targetNode string) (conditions []types.NodeCondition, serviceActive, found bool, err error) {
	result, err := client.Exec(ctx, "kubectl", "--kubeconfig", v.kubeconfig, "get", "nodes", "-o", "json")
	if err != nil {
		return nil, false, false, fmt.Errorf("list nodes: %w", err)
	}
	if !result.Succeeded() {
		return nil, false, false, fmt.Errorf("list nodes exited %d: %s", result.ExitCode, result.Stderr)
	}

	var list nodeList
	if err := json.Unmarshal(result.Stdout, &list); err != nil {
		return nil, false, false, fmt.Errorf("parse node list: %w", err)
	}

	entry, ok := findNode(list, targetNode)
	if !ok {
		return nil, false, false, nil
	}

	serviceActive = v.checkServiceActive(ctx, client)

	for _, c := range entry.Status.Conditions {
		conditions = append(conditions, types.NodeCondition{Type: c.Type, Status: c.Status, Reason: firstNonEmpty(c.Reason, c.Message)})
	}
	return conditions, serviceActive, true, nil
}

func (v *Verifier) checkServiceActive(ctx context.Context, client exec.Executor) bool {
	if v.serviceName == "" {
		return false
	}
	result, err := client.Exec(ctx, "systemctl", "is-active", v.serviceName)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(result.Stdout)) == "active"
}

func findNode(list nodeList, targetNode string) (nodeListEntry, bool) {
	lower := strings.ToLower(targetNode)
	for _, e := range list.Items {
		if strings.ToLower(e.Metadata.Name) == lower {
			return e, true
		}
	}
	for _, e := range list.Items {
		if strings.HasPrefix(strings.ToLower(e.Metadata.Name), lower+".") {
			return e, true
		}
	}
	return nodeListEntry{}, false
}

// readyFromConditions implements spec.md §4.7 step 5: True is
// accepted outright; an absent or Unknown condition is accepted only
// while the local service is still active (the normal transient state
// during first registration); False with a reason is never accepted.
func readyFromConditions(conditions []types.NodeCondition, serviceActive bool) (ready bool, reason string) {
	for _, c := range conditions {
		if c.Type != "Ready" {
			continue
		}
		switch c.Status {
		case "True":
			return true, ""
		case "False":
			return false, c.Reason
		default:
			return serviceActive, ""
		}
	}
	return serviceActive, ""
}

func (v *Verifier) terminalFailure(targetNode string, conditions []types.NodeCondition, serviceActive bool) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "node %s did not become ready\n", targetNode)
	if len(conditions) == 0 {
		sb.WriteString("node was never observed in the node list\n")
	}
	for _, c := range conditions {
		fmt.Fprintf(&sb, "condition %s=%s (%s)\n", c.Type, c.Status, c.Reason)
	}
	fmt.Fprintf(&sb, "service active: %v\n", serviceActive)
	if v.serviceName != "" {
		fmt.Fprintf(&sb, "diagnose further with: journalctl -u %s -n 200\n", v.serviceName)
	}
	return herrors.New(herrors.KindProtocol, "verify.Verify", fmt.Errorf("%s", sb.String())).WithContext("target node " + targetNode)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
