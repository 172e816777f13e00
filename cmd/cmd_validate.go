package main

import (
	"github.com/spf13/cobra"

	"github.com/qbloq/datagate/core"
)

// validateCmd checks the runtime config without starting the service
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the runtime config file",
		Run:   cmdValidate,
	}
}

func cmdValidate(*cobra.Command, []string) {
	setup(cpath)

	loader := core.NewLoader(nil)
	rc, err := loader.Load(conf.ConfigPath)
	if err != nil {
		log.Fatalf("config is invalid: %s", err)
	}

	log.Infof("config is valid: %d entities on %s", len(rc.Entities), rc.DataSource.Kind)
}
