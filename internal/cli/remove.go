package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/opm/internal/solver"
)

// NewRemoveCmd creates the remove command
func NewRemoveCmd() *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "remove <package>...",
		Short: "Remove installed packages",
		Long: `Removes the named packages. Configuration files are kept unless
--purge is given, leaving the package in the
config-files state. With --autoremove, auto-installed dependencies no
other installed package needs go away too.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			plan, err := solver.New(a.hash, a.opts).Remove(args, purge)
			if err != nil {
				return err
			}
			if plan.Empty() {
				logrus.Info("Nothing to do")
				return nil
			}

			return runPlan(cmd, a, plan)
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove configuration files")
	cmd.Flags().Bool("autoremove", false, "Also remove auto-installed packages nothing depends on anymore")
	cmd.Flags().Bool("force-removal-of-essential", false, "Allow removal of essential packages")
	return cmd
}
