package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [package]...",
		Short: "Print the status of installed packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			want := make(map[string]bool, len(args))
			for _, name := range args {
				want[name] = true
			}

			found := false
			for _, p := range a.hash.InstalledAll() {
				if len(want) > 0 && !want[p.Name] {
					continue
				}
				p.WriteInfo(os.Stdout, true)
				found = true
			}
			if !found && len(want) > 0 {
				return fmt.Errorf("no matching installed packages")
			}

			if len(want) == 0 {
				for _, path := range a.orphans() {
					fmt.Printf("orphan: %s\n", path)
				}
			}
			return nil
		},
	}
}
