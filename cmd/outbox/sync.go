package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/outbox/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the mutation queue once",
	Long: `Run one drain pass: dispatch every eligible queued mutation in order
and report the resulting queue state. Mutations in their backoff window are
skipped; 'outbox queue ls' shows when they become eligible.`,
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		ctx := context.Background()
		before, err := client.QueueStats(ctx)
		if err != nil {
			fail(err)
		}
		if before.Pending == 0 && before.Failed == 0 {
			fmt.Println(ui.RenderMuted("Nothing to sync."))
			return
		}

		fmt.Printf("Syncing %d pending mutation(s)...\n", before.Pending)
		start := time.Now()
		if err := client.Sync(ctx); err != nil {
			fail(err)
		}

		after, err := client.QueueStats(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Done in %s: %d pending, %d failed\n",
			ui.RenderSuccess("✓"), time.Since(start).Round(time.Millisecond),
			after.Pending, after.Failed)
		if after.Failed > 0 {
			fmt.Println(ui.RenderWarning("Some mutations failed; 'outbox queue retry' resets them."))
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
