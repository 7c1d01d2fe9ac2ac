package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/migrate"
	"github.com/tasksync/tasksync/internal/tasks"
	"github.com/tasksync/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Write every task, tombstones included, as JSONL",
	Long: `Export tasks in change order, one JSON object per line.

Without a file (or with "-") the export goes to stdout. --since accepts
RFC 3339 or phrases like "2 hours ago" and "yesterday".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}

		opts := migrate.ExportOptions{}
		opts.SkipTombstones, _ = cmd.Flags().GetBool("skip-tombstones")
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			if opts.Since, err = parseSince(s, time.Now()); err != nil {
				return err
			}
		}

		store, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 || args[0] == "-" {
			_, err := migrate.Export(cmd.Context(), store, os.Stdout, opts)
			return err
		}

		n, err := migrate.ExportFile(cmd.Context(), store, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d tasks to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Recreate tasks from a JSONL export",
	Long: `Import tasks from JSONL ("-" reads stdin).

Ids are kept and versions restart at 1. Tombstones are recreated as
tombstones. Ids already in the store are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}

		list, err := migrate.ReadJSONL(r)
		if err != nil {
			return err
		}

		opts := migrate.ImportOptions{}
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.SkipTombstones, _ = cmd.Flags().GetBool("skip-tombstones")

		store, err := openStore(cmd, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		start := time.Now()
		result, err := migrate.Import(cmd.Context(), tasks.New(store, tasks.WithLogger(logger)), list, opts)
		if err != nil {
			return err
		}

		verb := "Imported"
		if opts.DryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d tasks in %v\n", ui.RenderPass("✓"), verb, result.Created, time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Tombstoned: %d\n", result.Tombstoned)
		fmt.Printf("   Duplicates: %d\n", result.Duplicates)
		if len(result.Errors) > 0 {
			fmt.Printf("%s %d records failed:\n", ui.RenderWarn("⚠"), len(result.Errors))
			for _, e := range result.Errors {
				fmt.Printf("   %s\n", e)
			}
			return fmt.Errorf("%d records failed", len(result.Errors))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("since", "", "Only tasks changed after this time")
	exportCmd.Flags().Bool("skip-tombstones", false, "Leave deleted tasks out")
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("skip-tombstones", false, "Do not recreate deleted tasks")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
