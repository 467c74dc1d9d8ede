// Package cli wires the cobra command tree. All behavior lives in the core
// packages; the commands only assemble them.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opm",
		Short: "Lightweight package manager for resource-constrained systems",
		Long: `Opm resolves dependencies, downloads, verifies and installs packages
described by Debian-style control metadata, keeping a persistent on-disk
record of installed state.

Multiple install destinations may coexist; with --offline-root every
operation manipulates a staged filesystem tree instead of the live root.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("conf", "f", "/etc/opm/opm.conf", "Configuration file")
	rootCmd.PersistentFlags().StringP("dest", "d", "", "Install destination name")
	rootCmd.PersistentFlags().StringP("offline-root", "o", "", "Stage all operations under this root")

	// Add subcommands
	rootCmd.AddCommand(NewUpdateCmd())
	rootCmd.AddCommand(NewInstallCmd())
	rootCmd.AddCommand(NewUpgradeCmd())
	rootCmd.AddCommand(NewRemoveCmd())
	rootCmd.AddCommand(NewConfigureCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewFilesCmd())

	return rootCmd
}
