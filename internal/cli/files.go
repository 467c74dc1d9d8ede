package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ralt/opm/internal/files"
)

// NewFilesCmd creates the files command
func NewFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files <package>",
		Short: "List the files owned by an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			p := a.hash.Installed(args[0])
			if p == nil {
				return fmt.Errorf("package %s is not installed", args[0])
			}

			entries, err := files.ReadList(a.dest.InfoPath(p.Name, "list"))
			if err != nil {
				return fmt.Errorf("no file list for %s: %w", p.Name, err)
			}
			for _, entry := range entries {
				fmt.Println(entry.Path)
			}
			return nil
		},
	}
}
