package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/opm/internal/solver"
)

// NewUpgradeCmd creates the upgrade command
func NewUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade [package]...",
		Short: "Upgrade installed packages to the newest available versions",
		Long: `Upgrades the named packages, or every installed package when none are
named. Packages held by the user are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			plan, err := solver.New(a.hash, a.opts).Upgrade(args)
			if err != nil {
				return err
			}
			if plan.Empty() {
				logrus.Info("All packages are up to date")
				return nil
			}

			return runPlan(cmd, a, plan)
		},
	}

	addPolicyFlags(cmd)
	return cmd
}
