package transaction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/pkg"
)

// maintainer script names staged into the info directory at unpack.
var scriptNames = []string{"preinst", "postinst", "prerm", "postrm"}

// runScript executes a maintainer script through /bin/sh with PKG_ROOT set
// to the destination root. A script absent from disk is a success. Scripts
// never run against an offline root: the staged tree's interpreters are not
// the host's.
func (e *Engine) runScript(ctx context.Context, p *pkg.Pkg, name, action string) error {
	path := e.dest.InfoPath(p.Name, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	if e.opts.OfflineRoot != "" {
		logrus.Debugf("Offline root: skipping %s of %s", name, p.Name)
		return nil
	}

	logrus.Debugf("Running %s of %s", name, p.Name)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", fmt.Sprintf("%s %s", path, action))
	cmd.Env = append(os.Environ(), "PKG_ROOT="+e.dest.RootDir)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if output.Len() > 0 {
			logrus.Errorf("%s %s output:\n%s", p.Name, name, output.String())
		}
		return fmt.Errorf("%s script failed: %w", name, err)
	}
	if output.Len() > 0 {
		logrus.Debugf("%s %s output:\n%s", p.Name, name, output.String())
	}
	return nil
}
