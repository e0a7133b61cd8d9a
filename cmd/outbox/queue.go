package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and manage the mutation queue",
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued mutations in causal order",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		var items []*record.Mutation
		if entity, _ := cmd.Flags().GetString("entity"); entity != "" {
			items, err = client.QueueForEntity(context.Background(), entity)
		} else {
			status, _ := cmd.Flags().GetString("status")
			items, err = client.Queue(context.Background(), record.MutationStatus(status))
		}
		if err != nil {
			fail(err)
		}
		if len(items) == 0 {
			fmt.Println(ui.RenderMuted("Queue is empty."))
			return
		}

		for _, m := range items {
			fmt.Printf("%s  %-6s %s/%s  attempts %d/%d  %s\n",
				ui.RenderMutationStatus(m.Status),
				m.Method, m.EntityType, m.ClientEntityID,
				m.Attempts, m.MaxAttempts,
				ui.RenderMuted(m.CreatedAt.Local().Format(time.RFC3339)))
			if m.LastError != "" {
				fmt.Printf("      %s\n", ui.RenderError(m.LastError))
			}
			if m.Status == record.MutationPending && m.Attempts > 0 {
				fmt.Printf("      next attempt %s\n",
					ui.RenderMuted(m.NextAttemptAt.Local().Format(time.RFC3339)))
			}
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed mutations for another round of attempts",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		n, err := client.RetryFailed(context.Background())
		if err != nil {
			fail(err)
		}
		if n == 0 {
			fmt.Println(ui.RenderMuted("No failed mutations."))
			return
		}
		fmt.Printf("%s Reset %d failed mutation(s) to pending\n", ui.RenderSuccess("✓"), n)
	},
}

var queueCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove completed mutations from the queue",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		n, err := client.CompactQueue(context.Background())
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Removed %d completed mutation(s)\n", ui.RenderSuccess("✓"), n)
	},
}

func init() {
	queueLsCmd.Flags().String("status", "", "Filter by status (pending|processing|completed|failed)")
	queueLsCmd.Flags().String("entity", "", "Show only one entity's unfinished mutations")
	queueCmd.AddCommand(queueLsCmd, queueRetryCmd, queueCompactCmd)
	rootCmd.AddCommand(queueCmd)
}
