// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/deviceagent"
)

// tunnelCmd manages the §4.6 device-agent WireGuard tunnel to remote
// pods.
var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Manage the WireGuard tunnel to a pod",
	Long: `Bring a direct device-to-pod WireGuard tunnel up or down.

Commands:
  cilo tunnel up <pod>      - Bring a tunnel to <pod> up in the background
  cilo tunnel down <pod>    - Tear a tunnel to <pod> down
  cilo tunnel list          - List this device's live tunnel sessions
  cilo tunnel status <pod>  - Show one tunnel's status`,
}

var tunnelUpCmd = &cobra.Command{
	Use:   "up <pod>",
	Short: "Bring a tunnel to <pod> up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		podID := args[0]

		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}
		a := deviceagent.New(cfg)

		if _, err := a.Enroll(context.Background()); err != nil {
			return fmt.Errorf("enroll: %w", err)
		}

		rec, err := a.StartSessionDaemon(podID)
		if err != nil {
			return fmt.Errorf("session-up: %w", err)
		}

		fmt.Printf("✓ Tunnel to %s is up\n", podID)
		fmt.Printf("  Interface: %s\n", rec.Interface)
		fmt.Printf("  Pod address: %s\n", rec.PodAddress)
		return nil
	},
}

var tunnelDownCmd = &cobra.Command{
	Use:   "down <pod>",
	Short: "Tear a tunnel to <pod> down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		podID := args[0]

		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}
		a := deviceagent.New(cfg)

		if err := a.SessionDown(podID); err != nil {
			return fmt.Errorf("session-down: %w", err)
		}
		fmt.Printf("✓ Tunnel to %s is down\n", podID)
		return nil
	},
}

var tunnelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List this device's live tunnel sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := deviceagent.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(sessions) == 0 {
			fmt.Println("No active tunnels.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "POD\tINTERFACE\tPOD ADDRESS\tCLIENT ADDRESS\tSTARTED\tPID")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				s.PodID, s.Interface, s.PodAddress, s.ClientAddress,
				s.StartedAt.Format("2006-01-02 15:04:05"), s.PID)
		}
		return w.Flush()
	},
}

var tunnelStatusCmd = &cobra.Command{
	Use:   "status <pod>",
	Short: "Show one tunnel's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		podID := args[0]

		sessions, err := deviceagent.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, s := range sessions {
			if s.PodID == podID {
				fmt.Printf("Tunnel to %s: up\n", podID)
				fmt.Printf("  Interface: %s\n", s.Interface)
				fmt.Printf("  Pod address: %s\n", s.PodAddress)
				fmt.Printf("  Client address: %s\n", s.ClientAddress)
				fmt.Printf("  Started: %s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
				fmt.Printf("  PID: %d\n", s.PID)
				return nil
			}
		}
		fmt.Printf("Tunnel to %s: not running\n", podID)
		return nil
	},
}

func init() {
	tunnelCmd.AddCommand(tunnelUpCmd)
	tunnelCmd.AddCommand(tunnelDownCmd)
	tunnelCmd.AddCommand(tunnelListCmd)
	tunnelCmd.AddCommand(tunnelStatusCmd)
	rootCmd.AddCommand(tunnelCmd)
}
