// Command tasksync runs the task sync server and its maintenance tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/config"
	"github.com/tasksync/tasksync/internal/db"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first task store with a batch sync endpoint",
	Long: `tasksync keeps task records in an embedded SQLite store and reconciles
change batches from intermittently connected clients.

Configuration is read from --config, ./tasksync.yaml or
~/.config/tasksync/tasksync.yaml, then overridden by TASKSYNC_* environment
variables and flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "client", Title: "Client:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./tasksync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides database.path)")
}

// loadConfig reads the layered configuration with --db bound on top.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	if err := loader.Viper().BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db")); err != nil {
		return nil, nil, fmt.Errorf("failed to bind --db: %w", err)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

// openStore opens the configured database and makes sure the schema exists.
func openStore(cmd *cobra.Command, cfg *config.Config) (*db.DB, error) {
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(cmd.Context()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
