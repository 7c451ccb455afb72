package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newsreap/newsreap/internal/app"
	"github.com/newsreap/newsreap/internal/config"
	"github.com/newsreap/newsreap/internal/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "newsreap",
	Short:         "Usenet binary fetch and post engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml",
		"path to the YAML config file")
	rootCmd.AddCommand(getCmd, postCmd, groupsCmd, seekCmd, serveCmd)
}

// setup loads config and logging shared by every subcommand.
func setup() (*app.Context, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, err
	}
	return app.NewContext(cfg, log), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
