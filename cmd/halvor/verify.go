package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <host>",
	Short: "Verify a node has joined the cluster and gone Ready",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().String("kubeconfig", "/etc/rancher/k3s/k3s.yaml", "Path to the Cluster Credential Document")
	verifyCmd.Flags().String("service-name", "k3s-agent", "Name of the systemd service unit to check")
	verifyCmd.Flags().String("ssh-user", "", "Login user when the target must be reached over SSH")
}

func runVerify(cmd *cobra.Command, args []string) error {
	target := args[0]
	kubeconfig, _ := cmd.Flags().GetString("kubeconfig")
	serviceName, _ := cmd.Flags().GetString("service-name")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	hostsFile, _ := cmd.Flags().GetString("hosts-file")

	cfg := config.Load()
	ctx := context.Background()

	reg, err := loadRegistry(cfg, hostsFile)
	if err != nil {
		return fmt.Errorf("load host registry: %w", err)
	}

	fmt.Printf("Resolving %s...\n", target)
	handle, err := openHandle(ctx, cfg, reg, target, sshUser)
	if err != nil {
		return fmt.Errorf("open handle to target: %w", err)
	}

	verifier := verify.New(handle.Executor, handle.Executor, kubeconfig, serviceName)

	fmt.Printf("Verifying %s...\n", target)
	result, err := verifier.Verify(ctx, verify.DefaultConfig, target)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Node %s is Ready\n", result.NodeName)
	for _, c := range result.Conditions {
		fmt.Printf("  %s=%s (%s)\n", c.Type, c.Status, c.Reason)
	}
	return nil
}
