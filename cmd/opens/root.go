package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pevans/opens/athletes"
	"github.com/pevans/opens/config"
	"github.com/pevans/opens/logger"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
	log logger.Logger = logger.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "opens",
	Short: "opens crawls the CrossFit Open 2015 leaderboard and reshapes the results.",
	Long: `opens registers every athlete listed on the 2015 Open leaderboard, with
their raw event scores, in a SQL database (crawl), then pivots the stored
scores into one row per athlete with a rank and Rx flag per event (reshape).

Settings come from ~/.opens/config.yaml (or --config / OPENS_CONFIG) and
OPENS_* environment variables; a .env file in the working directory is read
first.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.opens/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level: debug, info, warn, error")
}

// setup loads configuration and builds the logger for every subcommand.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	loaded, err := config.Load(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}

	l, err := logger.New(os.Stderr, loaded.LogFormat, loaded.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	cfg = loaded
	log = l
	return nil
}

// openStore opens the configured athlete store.
func openStore(c *config.Config) (*athletes.AthleteStore, error) {
	store, err := athletes.NewAthleteStore(c.StorageDriver, c.StorageDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open athlete store %s: %w", c.StorageDSN, err)
	}
	return store, nil
}
