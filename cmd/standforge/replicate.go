package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/standforge/standforge/pkg/config"
	"github.com/standforge/standforge/pkg/deploy"
	"github.com/standforge/standforge/pkg/types"
)

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Replicate templates without deploying",
	Long: `Replicate computes where each user would land with the given placement
and makes sure every needed template copy exists on those nodes. Run it
ahead of a large deployment to pay the clone-and-migrate cost up front.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		standPath, _ := cmd.Flags().GetString("stand")
		strategy, _ := cmd.Flags().GetString("strategy")
		node, _ := cmd.Flags().GetString("node")

		stand, err := config.LoadStand(standPath)
		if err != nil {
			return err
		}
		users, err := loadUsers(cmd)
		if err != nil {
			return err
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		orchestrator := deploy.New(rt.gw, rt.store, deploy.Options{RetryTemplatize: true})
		if err := orchestrator.PreReplicate(cmd.Context(), deploy.Request{
			Users:    users,
			Machines: stand.Machines,
			Strategy: types.PlacementStrategy(strategy),
			Node:     node,
		}); err != nil {
			return err
		}

		fmt.Println("✓ All required templates are in place")
		return nil
	},
}

func init() {
	replicateCmd.Flags().String("stand", "stand.yml", "Stand configuration file")
	replicateCmd.Flags().String("users", "users.yml", "Users file")
	replicateCmd.Flags().StringArray("user", nil, "Plan for this user (repeatable, overrides --users)")
	replicateCmd.Flags().String("strategy", "", "Placement strategy: balanced, single, explicit")
	replicateCmd.Flags().String("node", "", "Target node for the explicit strategy")
}
