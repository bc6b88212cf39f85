package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/standforge/standforge/pkg/cluster"
	"github.com/standforge/standforge/pkg/config"
	"github.com/standforge/standforge/pkg/log"
	"github.com/standforge/standforge/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "standforge",
	Short: "Standforge - per-user VM stand provisioning for Proxmox clusters",
	Long: `Standforge provisions training stands on a Proxmox VE cluster: it
creates a user and pool per trainee, clones the stand's machines from
templates, wires up isolated network bridges, and spreads users across
cluster nodes.

Templates live on one node; standforge replicates them to the nodes that
need them (full clone, convert, live-migrate) and remembers the copies,
so repeated deployments stay fast.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(level),
			JSONOutput: jsonOut,
		})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Standforge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", ".standforge.yml", "Connection settings file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console output")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(bridgesCmd)
	rootCmd.AddCommand(configCmd)
}

// runtime bundles the live handles a subcommand works with.
type runtime struct {
	settings *config.Settings
	gw       cluster.Gateway
	store    store.Store
}

func (r *runtime) close() {
	if r.store != nil {
		r.store.Close()
	}
}

// openRuntime loads the settings file and opens the gateway and the state
// database.
func openRuntime(cmd *cobra.Command) (*runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	settings, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}

	gw, err := cluster.NewProxmoxGateway(cmd.Context(), settings.Proxmox())
	if err != nil {
		return nil, err
	}

	st, err := store.NewBoltStore(settings.DataDir)
	if err != nil {
		return nil, err
	}

	return &runtime{settings: settings, gw: gw, store: st}, nil
}

// loadUsers resolves the user list for a command: explicit --user flags win
// over the --users file.
func loadUsers(cmd *cobra.Command) ([]string, error) {
	users, _ := cmd.Flags().GetStringArray("user")
	if len(users) > 0 {
		return users, nil
	}
	path, _ := cmd.Flags().GetString("users")
	return config.LoadUsers(path)
}
