// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: MIT
// See LICENSES/MIT.txt for full license text

package cli

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base "cilo" command every subcommand in this package
// attaches itself to via its own init().
var rootCmd = &cobra.Command{
	Use:   "cilo",
	Short: "Cilo - WireGuard tunneling to remote pods",
	Long: `Cilo's WireGuard tunnel overlay ("tunnel", "ssh", "wg") reaches remote
pods directly by device-to-pod address rather than through the cloud API.`,
}

// Execute runs the root command, parsing os.Args.
func Execute() error {
	return rootCmd.Execute()
}
