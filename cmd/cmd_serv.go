package main

import (
	"github.com/spf13/cobra"

	"github.com/qbloq/datagate/serv"
)

// servCmd is the cobra CLI command for the serve subcommand
func servCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"serv"},
		Short:   "Run the DataGate service",
		Run:     cmdServ,
	}
}

// cmdServ is the handler for the serve subcommand
func cmdServ(*cobra.Command, []string) {
	setup(cpath)

	s, err := serv.NewHttpService(conf)
	if err != nil {
		log.Fatalf("%s", err)
	}

	if err := s.Start(); err != nil {
		log.Fatalf("%s", err)
	}
}
