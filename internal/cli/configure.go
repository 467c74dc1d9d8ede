package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ralt/opm/internal/pkg"
)

// NewConfigureCmd creates the configure command
func NewConfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure [package]...",
		Short: "Configure unpacked packages",
		Long: `Runs the configuration phase for the named packages, or for every
package left unpacked, half-configured or post-inst-failed. This is also
how an interrupted transaction is rolled forward.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			eng, release, err := a.engine()
			if err != nil {
				return err
			}
			defer release()

			if err := eng.Recover(ctx); err != nil {
				return err
			}

			targets := args
			if len(targets) == 0 {
				for _, p := range a.hash.InstalledAll() {
					if p.StateStatus != pkg.StatusInstalled {
						targets = append(targets, p.Name)
					}
				}
			}

			for _, name := range targets {
				p := a.hash.Installed(name)
				if p == nil {
					return fmt.Errorf("package %s is not installed", name)
				}
				if p.StateStatus == pkg.StatusInstalled {
					logrus.Debugf("Package %s already configured", name)
					continue
				}
				if err := eng.Configure(ctx, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
