package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	singleton "github.com/TovarnovM/loopback-singleton"
	"github.com/TovarnovM/loopback-singleton/internal/config"
	"github.com/spf13/cobra"
)

var (
	statusName string
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show singleton daemon status",
	Long: `Show the status of the named singleton daemon, if one is running.

Displays PID, uptime, active client count, negotiated codec, and executor
queue depth, all read from a PING/PONG round trip. Never spawns a daemon:
if none is reachable, status reports that plainly instead of starting one.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusName, "name", "", "logical singleton name (required)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	statusCmd.MarkFlagRequired("name")
}

func runStatus(cmd *cobra.Command, args []string) error {
	globalCfg, err := config.LoadGlobalConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	proxy, err := openExistingOnly(ctx, statusName, globalCfg)
	if err != nil {
		if statusJSON {
			printJSON(map[string]any{"running": false})
			return nil
		}
		fmt.Println("Singleton daemon: not running")
		return nil
	}
	defer proxy.Close()

	pong, err := proxy.Ping(ctx)
	if err != nil {
		return fmt.Errorf("status: ping failed: %w", err)
	}

	if statusJSON {
		printJSON(map[string]any{
			"running":          true,
			"pid":              pong.PID,
			"uptime_ms":        pong.UptimeMS,
			"active_clients":   pong.ActiveClients,
			"codec_id":         pong.CodecID,
			"protocol_version": pong.ProtocolVersion,
			"queue_depth":      pong.QueueDepth,
		})
		return nil
	}

	fmt.Println("Singleton daemon status:")
	fmt.Printf("  PID:             %d\n", pong.PID)
	fmt.Printf("  Uptime:          %s\n", time.Duration(pong.UptimeMS)*time.Millisecond)
	fmt.Printf("  Active clients:  %d\n", pong.ActiveClients)
	fmt.Printf("  Codec:           %s\n", pong.CodecID)
	fmt.Printf("  Protocol:        %d\n", pong.ProtocolVersion)
	fmt.Printf("  Queue depth:     %d\n", pong.QueueDepth)
	return nil
}

// openExistingOnly opens a Proxy with no DaemonCommand configured, so
// singleton.Open's underlying Connect call can only ever succeed by finding
// an already-running daemon, never by spawning one.
func openExistingOnly(ctx context.Context, name string, globalCfg *config.GlobalConfig) (*singleton.Proxy, error) {
	return singleton.Open(ctx, singleton.Options{
		Name:           name,
		RuntimeDir:     globalCfg.Daemon.RuntimeDir,
		ConnectTimeout: time.Duration(globalCfg.Daemon.ConnectTimeoutMS) * time.Millisecond,
		StartTimeout:   500 * time.Millisecond,
		CodecID:        globalCfg.Daemon.CodecID,
	})
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
