package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/standforge/standforge/pkg/deploy"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Tear down users' stands",
	Long: `Destroy removes each user's VMs, the bridges only that user's pool
used, the pool, and the account, in that order. Steps are best effort:
what could not be removed is reported per user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		users, err := loadUsers(cmd)
		if err != nil {
			return err
		}

		if !yes {
			return fmt.Errorf("destroy would remove all VMs of %d user(s); re-run with --yes to confirm", len(users))
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		orchestrator := deploy.New(rt.gw, rt.store, deploy.Options{})
		results := orchestrator.Destroy(cmd.Context(), users)

		for _, user := range results {
			if user.Error != "" {
				fmt.Printf("✗ %s: %s\n", user.User, user.Error)
			} else {
				fmt.Printf("✓ %s removed (%d VMs)\n", user.User, len(user.Machines))
			}
		}
		return nil
	},
}

func init() {
	destroyCmd.Flags().String("users", "users.yml", "Users file")
	destroyCmd.Flags().StringArray("user", nil, "Destroy this user's stand (repeatable, overrides --users)")
	destroyCmd.Flags().Bool("yes", false, "Confirm the teardown")
}
