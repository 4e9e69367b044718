package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/join"
	"github.com/scottdkey/halvor/pkg/kubeconfig"
	"github.com/scottdkey/halvor/pkg/overlay"
)

var joinCmd = &cobra.Command{
	Use:   "join <host>",
	Short: "Join an existing k3s cluster over the overlay",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().String("primary", "", "Short name of the cluster's existing primary node")
	joinCmd.Flags().String("installer-url", "https://get.k3s.io", "URL of the k3s installer script")
	joinCmd.Flags().String("service-name", "k3s-agent", "Name of the systemd service unit to manage")
	joinCmd.Flags().String("auth-key", "", "Overlay pre-auth key")
	joinCmd.Flags().String("ssh-user", "", "Login user when the target must be reached over SSH")
	joinCmd.Flags().Bool("yes", false, "Assume yes when an existing cluster membership is detected")
	joinCmd.Flags().String("kubeconfig-out", "", "Local path to write the rewritten credential document")
}

func runJoin(cmd *cobra.Command, args []string) error {
	target := args[0]
	primary, _ := cmd.Flags().GetString("primary")
	installerURL, _ := cmd.Flags().GetString("installer-url")
	serviceName, _ := cmd.Flags().GetString("service-name")
	authKey, _ := cmd.Flags().GetString("auth-key")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	assumeYes, _ := cmd.Flags().GetBool("yes")
	kubeconfigOut, _ := cmd.Flags().GetString("kubeconfig-out")
	hostsFile, _ := cmd.Flags().GetString("hosts-file")

	if primary == "" {
		return fmt.Errorf("join requires --primary; use 'halvor init' for the first node")
	}

	cfg := config.Load()
	ctx := context.Background()

	reg, err := loadRegistry(cfg, hostsFile)
	if err != nil {
		return fmt.Errorf("load host registry: %w", err)
	}

	fmt.Printf("Resolving %s and %s...\n", primary, target)
	primaryHandle, err := openHandle(ctx, cfg, reg, primary, sshUser)
	if err != nil {
		return fmt.Errorf("open handle to primary: %w", err)
	}
	targetHandle, err := openHandle(ctx, cfg, reg, target, sshUser)
	if err != nil {
		return fmt.Errorf("open handle to target: %w", err)
	}

	primaryOverlay := overlay.New(primaryHandle.Executor)
	primaryIP, err := primaryOverlay.SelfIP(ctx)
	if err != nil {
		return fmt.Errorf("query primary overlay IP: %w", err)
	}
	primaryHostname, err := primaryOverlay.SelfHostname(ctx)
	if err != nil {
		return fmt.Errorf("query primary overlay hostname: %w", err)
	}

	machine := join.New(join.Dependencies{
		Primary:                primaryHandle.Executor,
		Target:                 targetHandle.Executor,
		PrimaryOverlayIP:       primaryIP,
		PrimaryOverlayHostname: primaryHostname,
	})

	fmt.Printf("Joining %s to the cluster via %s...\n", target, primary)
	result, err := machine.Run(ctx, join.Params{
		TargetIdentifier:  target,
		PrimaryIdentifier: primary,
		InstallerURL:      installerURL,
		ServiceName:       serviceName,
		AuthKey:           authKey,
		ClusterToken:      cfg.ClusterToken,
		AssumeYes:         assumeYes,
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Overlay address: %s (%s)\n", result.TargetOverlayIP, result.TargetOverlayHostname)
	fmt.Printf("✓ Node %s is Ready\n", result.Verified.NodeName)

	if kubeconfigOut != "" {
		if err := writeRewrittenKubeconfig(ctx, targetHandle, primaryIP, []string{target, primaryHostname}, kubeconfigOut); err != nil {
			fmt.Printf("Warning: failed to write local kubeconfig: %v\n", err)
		} else {
			fmt.Printf("✓ Credential document written to %s\n", kubeconfigOut)
		}
	}

	return nil
}

// writeRewrittenKubeconfig fetches the in-cluster credential document
// from handle and rewrites its server: fields to the primary's overlay
// IP before writing it to localPath, per the Credential Rewriter (C8).
func writeRewrittenKubeconfig(ctx context.Context, handle resolvedHandle, primaryIP string, nodeNames []string, localPath string) error {
	data, err := handle.Executor.ReadFile(ctx, "/etc/rancher/k3s/k3s.yaml")
	if err != nil {
		return fmt.Errorf("read credential document: %w", err)
	}
	rewritten, ok := kubeconfig.Rewrite(string(data), primaryIP, nodeNames)
	if !ok {
		return fmt.Errorf("rewritten credential document failed self-verification")
	}
	return writeLocalFile(localPath, rewritten)
}
