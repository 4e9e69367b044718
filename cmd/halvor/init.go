package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/join"
)

var initCmd = &cobra.Command{
	Use:   "init <host>",
	Short: "Initialize the first node of a new k3s cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runInit,
}

func init() {
	initCmd.Flags().String("installer-url", "https://get.k3s.io", "URL of the k3s installer script")
	initCmd.Flags().String("service-name", "k3s", "Name of the systemd service unit to manage")
	initCmd.Flags().String("auth-key", "", "Overlay pre-auth key")
	initCmd.Flags().String("ssh-user", "", "Login user when the target must be reached over SSH")
	initCmd.Flags().Bool("yes", false, "Assume yes when an existing cluster membership is detected")
}

func runInit(cmd *cobra.Command, args []string) error {
	target := args[0]
	installerURL, _ := cmd.Flags().GetString("installer-url")
	serviceName, _ := cmd.Flags().GetString("service-name")
	authKey, _ := cmd.Flags().GetString("auth-key")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	assumeYes, _ := cmd.Flags().GetBool("yes")
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

	machine := join.New(join.Dependencies{Target: handle.Executor})

	fmt.Printf("Initializing %s as the first cluster node...\n", target)
	result, err := machine.Run(ctx, join.Params{
		TargetIdentifier: target,
		InstallerURL:     installerURL,
		ServiceName:      serviceName,
		AuthKey:          authKey,
		ClusterToken:     cfg.ClusterToken,
		AssumeYes:        assumeYes,
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Overlay address: %s (%s)\n", result.TargetOverlayIP, result.TargetOverlayHostname)
	fmt.Printf("✓ Node %s is Ready\n", result.Verified.NodeName)
	fmt.Println()
	fmt.Println("To add another node to this cluster:")
	fmt.Printf("  halvor join <host> --primary %s\n", target)
	return nil
}
