package cli

import (
	"context"
	"fmt"

	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/db/repository"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [id...]",
	Short: "Move failed requests back to pending",
	Long:  `Move failed offline requests back to pending so the next pass sends them again. With --all, every failed record is requeued.`,
	Run:   runRequeue,
}

var requeueAll bool

func init() {
	requeueCmd.Flags().BoolVar(&requeueAll, "all", false, "Requeue every failed request")
}

func runRequeue(cmd *cobra.Command, args []string) {
	if !requeueAll && len(args) == 0 {
		exitError("specify at least one id or --all")
	}
	ids, err := parseIDs(args)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()
	ctx := context.Background()

	if requeueAll {
		failed, err := c.Queue.ListAll(ctx, repository.Filter{Status: models.StatusFailed})
		if err != nil {
			exitError("failed to list failed requests: %v", err)
		}
		for _, r := range failed {
			ids = append(ids, r.ID)
		}
	}

	green := color.New(color.FgGreen)
	failures := 0
	for _, id := range ids {
		if _, err := c.Queue.Requeue(ctx, id); err != nil {
			color.New(color.FgRed).Printf("%d: %v\n", id, err)
			failures++
			continue
		}
		green.Printf("%d requeued\n", id)
	}
	if len(ids) == 0 {
		fmt.Println("No failed requests")
	}
	if failures > 0 {
		exitError("%d of %d requests could not be requeued", failures, len(ids))
	}
}
