package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/standforge/standforge/pkg/network"
)

var bridgesCmd = &cobra.Command{
	Use:   "bridges",
	Short: "Manage allocated network bridges",
}

var bridgesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove a pool's bridge allocations on a node",
	Long: `Cleanup drops the recorded bridge allocations of one pool on one node
and deletes the bridges no other pool still references. The management
bridge vmbr0 is never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _ := cmd.Flags().GetString("node")
		pool, _ := cmd.Flags().GetString("pool")
		if node == "" || pool == "" {
			return fmt.Errorf("both --node and --pool are required")
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		allocator := network.NewAllocator(rt.gw, rt.store)
		if err := allocator.Cleanup(cmd.Context(), node, pool); err != nil {
			return err
		}
		if err := rt.store.Sync(); err != nil {
			return err
		}

		fmt.Printf("✓ Cleaned up bridges of pool %s on %s\n", pool, node)
		return nil
	},
}

func init() {
	bridgesCleanupCmd.Flags().String("node", "", "Node to clean up")
	bridgesCleanupCmd.Flags().String("pool", "", "Pool whose allocations to remove")
	bridgesCmd.AddCommand(bridgesCleanupCmd)
}
