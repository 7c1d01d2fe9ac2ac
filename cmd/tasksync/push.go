package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/tasksync/tasksync/internal/client"
	"github.com/tasksync/tasksync/internal/logging"
	"github.com/tasksync/tasksync/internal/sync"
	"github.com/tasksync/tasksync/internal/ui"
)

var pushCmd = &cobra.Command{
	Use:     "push [bundle.json]",
	GroupID: "client",
	Short:   "Send a sync bundle to a server and print the result",
	Long: `Push a sync request to a running server.

The bundle has the same shape as the POST /tasks/sync body. Without a
bundle only the server delta is pulled. Transport failures and 5xx replies
are retried with exponential backoff.

Examples:
  tasksync push changes.json --server http://nas:8080
  tasksync push --client-id phone --since "3 hours ago" --out delta.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPush,
}

func init() {
	pushCmd.Flags().String("server", "http://localhost:8080", "Server base URL")
	pushCmd.Flags().String("client-id", "", "Client id (overrides the bundle's)")
	pushCmd.Flags().String("since", "", "Last sync time: RFC 3339 or a phrase like \"yesterday\"")
	pushCmd.Flags().StringP("out", "o", "", "Write the full response JSON here")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	var req sync.Request
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read bundle: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return fmt.Errorf("invalid bundle: %w", err)
		}
	}

	if id, _ := cmd.Flags().GetString("client-id"); id != "" {
		req.ClientID = id
	}
	if s, _ := cmd.Flags().GetString("since"); s != "" {
		if req.LastSyncAt, err = parseSince(s, time.Now()); err != nil {
			return err
		}
	}
	if err := req.Validate(); err != nil {
		return err
	}

	server, _ := cmd.Flags().GetString("server")
	resp, err := client.New(server, client.WithLogger(logger)).Push(cmd.Context(), req)
	if err != nil {
		return err
	}

	cc := resp.ClientChanges
	fmt.Printf("%s Synced with %s\n", ui.RenderPass("✓"), server)
	fmt.Printf("   Created:   %d\n", len(cc.Created))
	fmt.Printf("   Updated:   %d\n", len(cc.Updated))
	fmt.Printf("   Deleted:   %d\n", len(cc.Deleted))
	fmt.Printf("   Pulled:    %d\n", len(resp.ServerChanges))
	fmt.Printf("   Checkpoint: %s\n", resp.Timestamp.Format(time.RFC3339Nano))
	if len(cc.Conflicts) > 0 {
		fmt.Printf("%s %d conflicts:\n", ui.RenderWarn("⚠"), len(cc.Conflicts))
		for _, c := range cc.Conflicts {
			fmt.Printf("   %s: %s\n", c.ID, c.Error)
		}
	}

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		if err := os.WriteFile(out, data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", out, err)
		}
	}
	return nil
}

// parseSince accepts RFC 3339 or a natural-language time relative to now.
func parseSince(s string, now time.Time) (*time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return nil, fmt.Errorf("unrecognized time %q", s)
	}
	t := r.Time.UTC()
	return &t, nil
}
