package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ralt/opm/internal/cli"
	"github.com/ralt/opm/internal/models"
)

func main() {
	// Setup logging format
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	rootCmd := cli.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)

		var oerr *models.OpmError
		if errors.As(err, &oerr) {
			os.Exit(oerr.Type.ExitCode())
		}
		os.Exit(1)
	}
}
