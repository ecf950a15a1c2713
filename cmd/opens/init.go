package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pevans/opens/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Writes a default config file and creates the database schema.",
	Args:  cobra.NoArgs,
	// The config file may not exist yet, so skip the shared setup.
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return config.LoadDotEnv()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()

		path := configPath
		if path == "" {
			var err error
			if path, err = config.DefaultPath(); err != nil {
				return err
			}
		}

		if err := config.WriteDefaultFile(path, initForce); err != nil {
			fmt.Fprintf(out, "  Config file: %s (%v)\n", path, err)
		} else {
			fmt.Fprintf(out, "  ✓ Config file: %s\n", path)
		}

		loaded, err := config.Load(cmd.Context(), path)
		if err != nil {
			return err
		}

		store, err := openStore(loaded)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  ✓ Database: %s (%s, %d athletes)\n", loaded.StorageDSN, loaded.StorageDriver, n)
		return nil
	},
}
