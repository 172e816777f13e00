package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qbloq/datagate/serv"
)

var (
	// These variables are set using -ldflags
	version string
	commit  string
	date    string
)

var (
	log   *zap.SugaredLogger
	conf  *serv.Config
	cpath string
)

// Cmd is the entry point for the CLI
func Cmd() {
	log = newLogger().Sugar()

	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "datagate",
		Short: BuildDetails(),
	}

	rootCmd.PersistentFlags().StringVar(&cpath,
		"config", "./datagate.yml", "path to the service config file")

	rootCmd.AddCommand(servCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("%s", err)
	}
}

// setup reads the service config file
func setup(cpath string) {
	if conf != nil {
		return
	}
	var err error
	if conf, err = serv.ReadInConfig(cpath); err != nil {
		log.Fatal(err)
	}
}

// BuildDetails returns the version and build information
func BuildDetails() string {
	if version == "" {
		return `
DataGate (unknown version)
For documentation, see the project README

Licensed under the Apache Public License 2.0
`
	}

	return fmt.Sprintf(`
DataGate %v
For documentation, see the project README

Commit: %v
Built:  %v

Licensed under the Apache Public License 2.0
`, version, commit, date)
}

func newLogger() *zap.Logger {
	econf := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(econf), os.Stdout, zap.InfoLevel)
	return zap.New(core)
}

func main() {
	Cmd()
}
