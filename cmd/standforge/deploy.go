package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/standforge/standforge/pkg/config"
	"github.com/standforge/standforge/pkg/deploy"
	"github.com/standforge/standforge/pkg/types"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Provision a stand for each user",
	Long: `Deploy clones the stand's machines for every user, creating the user
account and pool on the way. Templates are replicated to the target nodes
first; a replication failure or a name conflict in an existing pool aborts
the run before anything is created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		standPath, _ := cmd.Flags().GetString("stand")
		strategy, _ := cmd.Flags().GetString("strategy")
		node, _ := cmd.Flags().GetString("node")
		noRetry, _ := cmd.Flags().GetBool("no-templatize-retry")

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

		orchestrator := deploy.New(rt.gw, rt.store, deploy.Options{
			RetryTemplatize: !noRetry,
		})
		result, err := orchestrator.Deploy(cmd.Context(), deploy.Request{
			Users:    users,
			Machines: stand.Machines,
			Strategy: types.PlacementStrategy(strategy),
			Node:     node,
		})
		if err != nil {
			return err
		}

		printDeploymentResult(result)
		return nil
	},
}

func init() {
	deployCmd.Flags().String("stand", "stand.yml", "Stand configuration file")
	deployCmd.Flags().String("users", "users.yml", "Users file")
	deployCmd.Flags().StringArray("user", nil, "Deploy for this user (repeatable, overrides --users)")
	deployCmd.Flags().String("strategy", "", "Placement strategy: balanced, single, explicit")
	deployCmd.Flags().String("node", "", "Target node for the explicit strategy")
	deployCmd.Flags().Bool("no-templatize-retry", false, "Do not retry template conversion after migration")
}

func printDeploymentResult(result *types.DeploymentResult) {
	fmt.Printf("Run %s finished in %s\n\n", result.RunID, result.FinishedAt.Sub(result.StartedAt).Round(1e9))
	for _, user := range result.Users {
		if user.Error != "" {
			fmt.Printf("✗ %s: %s\n", user.User, user.Error)
			continue
		}
		if user.Password != "" {
			fmt.Printf("✓ %s on %s (password: %s)\n", user.User, user.Node, user.Password)
		} else {
			fmt.Printf("✓ %s on %s (existing account)\n", user.User, user.Node)
		}
		for _, machine := range user.Machines {
			if machine.OK() {
				fmt.Printf("    ✓ %s (vmid %d)\n", machine.Name, machine.VMID)
			} else {
				fmt.Printf("    ✗ %s: %s\n", machine.Name, machine.Error)
			}
		}
	}
}
