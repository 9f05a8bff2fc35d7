package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/beegate/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the device registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sensor nodes in registration order",
	Args:  cobra.NoArgs,
	RunE:  runRegistryList,
}

func init() {
	registryListCmd.Flags().String("registry", "", "Registry file (overrides registry_path)")
	registryCmd.AddCommand(registryListCmd)
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("registry"); v != "" {
		cfg.RegistryPath = v
	}
	cmd.SilenceUsage = true

	reg, err := registry.Open(cfg.RegistryPath, configureLogger(cfg))
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	addrs, err := reg.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, a := range addrs {
		fmt.Fprintln(out, a)
	}
	return nil
}
