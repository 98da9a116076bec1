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

	"github.com/loomworks/loom/internal/coordclient"
	"github.com/loomworks/loom/internal/deviceagent"
	"github.com/loomworks/loom/internal/wgkey"
)

var wgCmd = &cobra.Command{
	Use:   "wg",
	Short: "Manage this device's WireGuard enrollment",
}

var wgDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Manage devices enrolled with the coordinator",
}

var wgDevicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices enrolled under your account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}
		client := coordclient.New(cfg.CoordinatorURL, cfg.UserToken)

		devices, err := client.ListDevices(context.Background())
		if err != nil {
			return fmt.Errorf("list devices: %w", err)
		}
		if len(devices) == 0 {
			fmt.Println("No devices enrolled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPUBLIC KEY\tCREATED")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.PublicKey, d.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var wgDevicesRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Enroll this device with the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}
		a := deviceagent.New(cfg)

		priv, err := a.Enroll(context.Background())
		if err != nil {
			return fmt.Errorf("enroll: %w", err)
		}

		if name != "" {
			client := coordclient.New(cfg.CoordinatorURL, cfg.UserToken)
			if _, err := client.CreateDevice(context.Background(), coordclient.CreateDeviceRequest{
				DeviceID:  cfg.DeviceID,
				PublicKey: priv.Public().String(),
				Name:      name,
			}); err != nil {
				return fmt.Errorf("set device name: %w", err)
			}
		}

		fmt.Println("✓ Device enrolled")
		fmt.Printf("  Public key: %s\n", priv.Public())
		return nil
	},
}

var wgDevicesRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a device's enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}
		client := coordclient.New(cfg.CoordinatorURL, cfg.UserToken)

		if err := client.RevokeDevice(context.Background(), args[0]); err != nil {
			return fmt.Errorf("revoke device: %w", err)
		}
		fmt.Printf("✓ Device %s revoked\n", args[0])
		return nil
	},
}

var wgDevicesRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate this device's WireGuard key and re-enroll",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDeviceAgentConfig()
		if err != nil {
			return err
		}

		keyPath := cfg.KeyPath
		if keyPath == "" {
			keyPath = wgkey.DefaultKeyPath()
		}
		if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove existing key %s: %w", keyPath, err)
		}

		a := deviceagent.New(cfg)
		priv, err := a.Enroll(context.Background())
		if err != nil {
			return fmt.Errorf("re-enroll with new key: %w", err)
		}

		fmt.Println("✓ Device key rotated")
		fmt.Printf("  New public key: %s\n", priv.Public())
		return nil
	},
}

func init() {
	wgDevicesRegisterCmd.Flags().String("name", "", "Friendly name for this device")

	wgDevicesCmd.AddCommand(wgDevicesListCmd)
	wgDevicesCmd.AddCommand(wgDevicesRegisterCmd)
	wgDevicesCmd.AddCommand(wgDevicesRevokeCmd)
	wgDevicesCmd.AddCommand(wgDevicesRotateCmd)
	wgCmd.AddCommand(wgDevicesCmd)
	rootCmd.AddCommand(wgCmd)
}
