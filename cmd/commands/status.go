package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/steward/internal/config"
	"github.com/dohr-michael/steward/internal/watchdog"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show steward daemon status",
		Action: func(_ context.Context, _ *cli.Command) error {
			hbPath := filepath.Join(config.StewardPath(), "heartbeat.json")
			liveness, hb, err := watchdog.CheckHeartbeat(hbPath, 2*time.Minute)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch liveness {
			case watchdog.LivenessAlive:
				fmt.Printf("Daemon: ALIVE (PID %d, uptime %s)\n", hb.PID, hb.Uptime)
			case watchdog.LivenessStale:
				fmt.Printf("Daemon: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case watchdog.LivenessDead:
				fmt.Println("Daemon: NOT RUNNING")
			}

			if hb != nil && len(hb.Components) > 0 {
				names := make([]string, 0, len(hb.Components))
				for name := range hb.Components {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Println("\nComponents (restarts):")
				for _, name := range names {
					fmt.Printf("  %s: %d\n", name, hb.Components[name])
				}
			}
			return nil
		},
	}
}
