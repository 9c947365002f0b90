package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/TovarnovM/loopback-singleton/internal/config"
	"github.com/spf13/cobra"
)

var (
	stopName  string
	stopForce bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the singleton daemon to shut down",
	Long: `Send a SHUTDOWN request to the named singleton daemon and wait for its
acknowledgement. A no-op, not an error, if no daemon is currently running.`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopName, "name", "", "logical singleton name (required)")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "shorten the grace window open sessions get before the daemon closes them")
	stopCmd.MarkFlagRequired("name")
}

func runStop(cmd *cobra.Command, args []string) error {
	globalCfg, err := config.LoadGlobalConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proxy, err := openExistingOnly(ctx, stopName, globalCfg)
	if err != nil {
		fmt.Println("Singleton daemon: not running")
		return nil
	}
	defer proxy.Close()

	if err := proxy.Shutdown(ctx, stopForce); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fmt.Println("Shutdown requested")
	return nil
}
