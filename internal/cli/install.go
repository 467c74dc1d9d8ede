package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/opm/internal/solver"
)

// NewInstallCmd creates the install command
func NewInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <package>...",
		Short: "Install packages and their dependencies",
		Long: `Resolves the named packages against the configured feeds, computes an
action plan satisfying their dependencies, then downloads, verifies,
unpacks and configures everything in order.

A package may be constrained: "name=1.2-1" or "name (>= 1.2)", and
alternatives may be given as "a | b".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			plan, err := solver.New(a.hash, a.opts).Install(args)
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

	addPolicyFlags(cmd)
	return cmd
}

func addPolicyFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("add-recommends", false, "Also install recommended packages")
	cmd.Flags().Bool("force-checksum", false, "Ignore checksum mismatches")
	cmd.Flags().Bool("force-removal-of-essential", false, "Allow removal of essential packages")
	cmd.Flags().Bool("configure-on-unpack", false, "Configure each package right after its unpack")
}

func runPlan(cmd *cobra.Command, a *app, plan *solver.Plan) error {
	for _, action := range plan.Actions {
		logrus.Debugf("Plan: %s %s", action.Op, action.Pkg.ID())
	}

	ctx := cmd.Context()
	eng, release, err := a.engine()
	if err != nil {
		return err
	}
	defer release()

	if err := eng.Run(ctx, plan); err != nil {
		return err
	}

	fmt.Println("Done.")
	return nil
}
