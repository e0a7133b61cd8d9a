package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, queue depth, and last sync time",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		ctx := context.Background()
		stats, err := client.QueueStats(ctx)
		if err != nil {
			fail(err)
		}
		lastSync, err := client.LastSyncAt(ctx)
		if err != nil {
			fail(err)
		}
		counts, err := client.CountByStatus(ctx, "")
		if err != nil {
			fail(err)
		}

		online := ui.RenderError("offline")
		if client.Online() {
			online = ui.RenderSuccess("online")
		}

		synced := ui.RenderMuted("never")
		if !lastSync.IsZero() {
			synced = fmt.Sprintf("%s ago", time.Since(lastSync).Round(time.Second))
		}

		entities := ""
		for _, s := range []record.SyncStatus{
			record.StatusPending, record.StatusSyncing, record.StatusSynced,
			record.StatusError, record.StatusConflict,
		} {
			if n := counts[s]; n > 0 {
				entities += fmt.Sprintf("\n  %s: %d", ui.RenderSyncStatus(s), n)
			}
		}
		if entities == "" {
			entities = "\n  " + ui.RenderMuted("none")
		}

		body := fmt.Sprintf("%s\n\nNetwork:    %s\nLast sync:  %s\n\nEntities:%s\n\nQueue:\n  pending:     %d\n  processing:  %d\n  failed:      %d",
			ui.RenderTitle("outbox status"),
			online, synced, entities,
			stats.Pending, stats.Processing, stats.Failed)
		if stats.OldestPendingAge > 0 {
			body += fmt.Sprintf("\n  oldest pending: %s",
				ui.RenderWarning(stats.OldestPendingAge.Round(time.Second).String()))
		}
		fmt.Println(ui.RenderBox(body))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
