// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/deviceagent"
)

var sshCmd = &cobra.Command{
	Use:   "ssh <pod> [-- <extra ssh args>]",
	Short: "SSH into a pod over the WireGuard tunnel",
	Long: `Bring a tunnel to <pod> up (if not already up), exec ssh against the
pod's tunnel address, then tear the tunnel down on exit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		podID := args[0]
		extra := args[1:]

		user, _ := cmd.Flags().GetString("user")

		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}
		a := deviceagent.New(cfg)

		if _, err := a.Enroll(context.Background()); err != nil {
			return fmt.Errorf("enroll: %w", err)
		}

		return a.SSH(context.Background(), podID, user, sshArgs(cmd, extra))
	},
}

// sshArgs folds --port/--identity/--forward into the ssh invocation's
// extra argument list, ahead of any args the caller passed after "--".
func sshArgs(cmd *cobra.Command, trailing []string) []string {
	var out []string

	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		out = append(out, "-p", fmt.Sprintf("%d", port))
	}
	if identity, _ := cmd.Flags().GetString("identity"); identity != "" {
		out = append(out, "-i", identity)
	}
	if forward, _ := cmd.Flags().GetString("forward"); forward != "" {
		out = append(out, "-L", forward)
	}

	return append(out, trailing...)
}

func init() {
	sshCmd.Flags().Int("port", 0, "SSH port")
	sshCmd.Flags().String("user", "", "SSH user")
	sshCmd.Flags().String("identity", "", "SSH identity file")
	sshCmd.Flags().String("forward", "", "Local port forward, as local_port:remote_port")
	rootCmd.AddCommand(sshCmd)
}
