package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd prints the version and build details
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and build details",
		Run: func(*cobra.Command, []string) {
			fmt.Println(BuildDetails())
		},
	}
}
