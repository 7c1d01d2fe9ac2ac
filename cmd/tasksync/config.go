package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.YAML()
		if err != nil {
			return err
		}

		source := loader.ConfigFile()
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# from "+source))
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
