package main

import (
	"fmt"
	"os"

	"github.com/cuemby/served/pkg/config"
	"github.com/cuemby/served/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgFile string
var cfg config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "served",
	Short:   "served — the persistent transaction runner for package installs",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("served version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to served.yaml (defaults built in if absent)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format; overrides config")
	rootCmd.PersistentFlags().String("store", "", "Path to the served bbolt database; overrides config")

	cobra.OnInitialize(initConfigAndLogging)

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initConfigAndLogging() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, using defaults\n", err)
		cfg = config.Default()
	}

	if level, _ := rootCmd.PersistentFlags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json"); jsonOut {
		cfg.LogJSON = true
	}
	if storePath, _ := rootCmd.PersistentFlags().GetString("store"); storePath != "" {
		cfg.StorePath = storePath
	}

	log.Init(log.Config{
		Level:      cfg.LogLevelValue(),
		JSONOutput: cfg.LogJSON,
	})
}
