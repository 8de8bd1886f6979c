package cli

import (
	"context"

	"balagruha-offline-sync/internal/core/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete queued requests",
	Long:  `Delete offline requests from the queue. Pending requests are only deleted with --force because they have not reached the central server yet. Requests that a replay pass is sending right now cannot be deleted.`,
	Args:  cobra.MinimumNArgs(1),
	Run:   runDelete,
}

var deleteForce bool

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Also delete pending requests")
}

func runDelete(cmd *cobra.Command, args []string) {
	ids, err := parseIDs(args)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()
	ctx := context.Background()

	red := color.New(color.FgRed)
	failures := 0
	for _, id := range ids {
		req, err := c.Queue.GetByID(ctx, id)
		if err != nil {
			red.Printf("%d: %v\n", id, err)
			failures++
			continue
		}
		if req.Status == models.StatusInFlight {
			color.New(color.FgYellow).Printf("%d: being replayed, not deleted\n", id)
			failures++
			continue
		}
		if !deleteForce && req.Status == models.StatusPending {
			color.New(color.FgYellow).Printf("%d: %s, not deleted (use --force)\n", id, req.Status)
			failures++
			continue
		}
		if _, err := c.Queue.Delete(ctx, id); err != nil {
			red.Printf("%d: %v\n", id, err)
			failures++
			continue
		}
		color.New(color.FgGreen).Printf("%d deleted\n", id)
	}
	if failures > 0 {
		exitError("%d of %d requests were not deleted", failures, len(ids))
	}
}
