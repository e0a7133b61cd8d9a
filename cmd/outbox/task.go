package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/store"
	"github.com/tasknest/outbox/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create, edit, list, and delete tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task (works offline)",
	Long: `Create a task. The task is stored locally right away and queued for
sync; the command never waits on the network.

Example:
  outbox task add "Write the report" --notes "due friday"`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		payload := map[string]any{
			"title": strings.Join(args, " "),
			"done":  false,
		}
		if notes, _ := cmd.Flags().GetString("notes"); notes != "" {
			payload["notes"] = notes
		}
		if project, _ := cmd.Flags().GetString("project"); project != "" {
			payload["project"] = project
		}
		body, err := json.Marshal(payload)
		if err != nil {
			fail(err)
		}

		entity, err := client.Create(context.Background(), record.TypeTask, body)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Created task %s (queued for sync)\n",
			ui.RenderSuccess("✓"), ui.RenderAccent(entity.ClientID))
	},
}

var taskEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a task (works offline)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		patch := map[string]any{}
		if cmd.Flags().Changed("title") {
			title, _ := cmd.Flags().GetString("title")
			patch["title"] = title
		}
		if cmd.Flags().Changed("notes") {
			notes, _ := cmd.Flags().GetString("notes")
			patch["notes"] = notes
		}
		if cmd.Flags().Changed("done") {
			done, _ := cmd.Flags().GetBool("done")
			patch["done"] = done
		}
		if len(patch) == 0 {
			fail(fmt.Errorf("nothing to change (use --title, --notes, or --done)"))
		}
		body, err := json.Marshal(patch)
		if err != nil {
			fail(err)
		}

		entity, err := client.Update(context.Background(), args[0], body)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s Updated task %s (queued for sync)\n",
			ui.RenderSuccess("✓"), ui.RenderAccent(entity.ClientID))
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a task (works offline)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		if err := client.Delete(context.Background(), args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("%s Deleted task %s\n", ui.RenderSuccess("✓"), args[0])
	},
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List local tasks with their sync status",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		filter := store.Filter{Type: record.TypeTask}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			filter.Status = record.SyncStatus(status)
		}

		entities, err := client.List(context.Background(), filter)
		if err != nil {
			fail(err)
		}
		if len(entities) == 0 {
			fmt.Println(ui.RenderMuted("No tasks."))
			return
		}

		for _, e := range entities {
			var fields struct {
				Title string `json:"title"`
				Done  bool   `json:"done"`
			}
			_ = json.Unmarshal(e.Payload, &fields)

			mark := " "
			if fields.Done {
				mark = "x"
			}
			fmt.Printf("[%s] %-40s %s  %s\n",
				mark, fields.Title, ui.RenderSyncStatus(e.SyncStatus),
				ui.RenderMuted(e.ClientID))
			if e.LastError != "" {
				fmt.Printf("      %s\n", ui.RenderError(e.LastError))
			}
		}
	},
}

// fail prints the error and exits.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	taskAddCmd.Flags().String("notes", "", "Task notes")
	taskAddCmd.Flags().String("project", "", "Project the task belongs to")

	taskEditCmd.Flags().String("title", "", "New title")
	taskEditCmd.Flags().String("notes", "", "New notes")
	taskEditCmd.Flags().Bool("done", false, "Mark done or not done")

	taskLsCmd.Flags().String("status", "", "Filter by sync status (pending|syncing|synced|error|conflict)")

	taskCmd.AddCommand(taskAddCmd, taskEditCmd, taskRmCmd, taskLsCmd)
	rootCmd.AddCommand(taskCmd)
}
