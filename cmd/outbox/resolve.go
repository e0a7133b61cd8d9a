package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tasknest/outbox"
	"github.com/tasknest/outbox/internal/record"
	"github.com/tasknest/outbox/internal/store"
	"github.com/tasknest/outbox/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve [id]",
	GroupID: "sync",
	Short:   "Resolve conflicted entities interactively",
	Long: `Walk through entities whose sync detected a server-side divergence.
Both versions are shown; pick which one wins. Keeping the local version
re-submits it against the server's current state; accepting the server
version replaces the local copy.

Pass an entity ID to resolve just that one, or --keep-local/--accept-server
to resolve non-interactively.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := openClient(cmd)
		if err != nil {
			fail(err)
		}
		defer client.Close()

		ctx := context.Background()
		conflicted, err := conflictedEntities(ctx, client, args)
		if err != nil {
			fail(err)
		}
		if len(conflicted) == 0 {
			fmt.Println(ui.RenderMuted("No conflicts."))
			return
		}

		keepLocal, _ := cmd.Flags().GetBool("keep-local")
		acceptServer, _ := cmd.Flags().GetBool("accept-server")
		if keepLocal && acceptServer {
			fail(fmt.Errorf("--keep-local and --accept-server are mutually exclusive"))
		}

		for _, entity := range conflicted {
			var choice outbox.Resolution
			switch {
			case keepLocal:
				choice = outbox.KeepLocal
			case acceptServer:
				choice = outbox.AcceptServer
			default:
				choice, err = promptResolution(entity)
				if err != nil {
					fail(err)
				}
				if choice == "" {
					continue
				}
			}

			if _, err := client.Resolve(ctx, entity.ClientID, choice); err != nil {
				fail(err)
			}
			fmt.Printf("%s Resolved %s (%s)\n",
				ui.RenderSuccess("✓"), entity.ClientID, choice)
		}
	},
}

func conflictedEntities(ctx context.Context, client *outbox.Client, args []string) ([]*record.Entity, error) {
	if len(args) == 1 {
		entity, err := client.Get(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []*record.Entity{entity}, nil
	}

	var out []*record.Entity
	for _, t := range []record.EntityType{record.TypeTask, record.TypeProject, record.TypeTeam} {
		entities, err := client.List(ctx, store.Filter{Type: t, Status: record.StatusConflict})
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	return out, nil
}

// promptResolution shows both versions and asks which wins. An empty
// resolution means skip.
func promptResolution(entity *record.Entity) (outbox.Resolution, error) {
	local := entity.Payload
	server := json.RawMessage("{}")
	if entity.Conflict != nil {
		local = entity.Conflict.Local
		server = entity.Conflict.Server
	}

	fmt.Println(ui.RenderBox(fmt.Sprintf("%s %s/%s\n\n%s\n%s\n\n%s\n%s",
		ui.RenderTitle("Conflict"), entity.Type, entity.ClientID,
		ui.RenderAccent("Local version:"), prettyJSON(local),
		ui.RenderWarning("Server version:"), prettyJSON(server))))

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which version wins?").
				Options(
					huh.NewOption("Keep my local version", string(outbox.KeepLocal)),
					huh.NewOption("Accept the server version", string(outbox.AcceptServer)),
					huh.NewOption("Skip for now", ""),
				).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("resolution cancelled: %w", err)
	}
	return outbox.Resolution(choice), nil
}

func prettyJSON(raw json.RawMessage) string {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(buf, "  ", "  ")
	if err != nil {
		return string(raw)
	}
	return "  " + string(out)
}

func init() {
	resolveCmd.Flags().Bool("keep-local", false, "Resolve every conflict by keeping the local version")
	resolveCmd.Flags().Bool("accept-server", false, "Resolve every conflict by accepting the server version")
	rootCmd.AddCommand(resolveCmd)
}
