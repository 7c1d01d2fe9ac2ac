package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/client"
	"github.com/tasksync/tasksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "server",
	Short:   "Show store contents, or a remote server's health with --server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if server, _ := cmd.Flags().GetString("server"); server != "" {
			return remoteStatus(cmd, server)
		}

		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}

		info, err := os.Stat(cfg.Database.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s No database at %s\n", ui.RenderWarn("⚠"), cfg.Database.Path)
			fmt.Printf("   Run 'tasksync serve' or 'tasksync import' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to stat database: %w", err)
		}

		store, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Task store\n", ui.RenderAccent("📊"))
		fmt.Printf("   Location:   %s\n", cfg.Database.Path)
		fmt.Printf("   Size:       %.2f KB\n", float64(info.Size())/1024)
		fmt.Printf("   Live:       %d\n", stats.Live)
		fmt.Printf("   Tombstoned: %d\n", stats.Tombstoned)
		if stats.LastChangeAt != nil {
			ago := time.Since(*stats.LastChangeAt).Round(time.Second)
			fmt.Printf("   Last change: %s %s\n",
				stats.LastChangeAt.Format(time.RFC3339), ui.RenderMuted(fmt.Sprintf("(%s ago)", ago)))
		} else {
			fmt.Printf("   Last change: %s\n", ui.RenderMuted("never"))
		}
		fmt.Printf("   Policy:     %s\n\n", cfg.Sync.UpdatePolicy)
		return nil
	},
}

func remoteStatus(cmd *cobra.Command, server string) error {
	health, err := client.New(server).Health(cmd.Context())
	if err != nil {
		fmt.Printf("%s %s unhealthy: %v\n", ui.RenderFail("✗"), server, err)
		return err
	}
	fmt.Printf("%s %s %v (feed clients: %v)\n", ui.RenderPass("✓"), server, health["status"], health["clients"])
	return nil
}

func init() {
	statusCmd.Flags().String("server", "", "Check a running server instead of the local store")
	rootCmd.AddCommand(statusCmd)
}
