package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/standforge/standforge/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage standforge configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write starter configuration files",
	Long: `Init writes commented example files (.standforge.yml, stand.yml,
users.yml) into the given directory, or the current one. Existing files
are left alone.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := config.WriteStarterFiles(dir); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote starter configuration to %s\n", dir)
		fmt.Println("Edit .standforge.yml with your cluster's address and credentials.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}
