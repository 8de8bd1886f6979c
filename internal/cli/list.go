package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/db/repository"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests",
	Long:  `List offline requests, newest first. With --pending, list the records the next replay pass will send, in replay order.`,
	Args:  cobra.NoArgs,
	Run:   runList,
}

var (
	listStatus    string
	listOperation string
	listPending   bool
)

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Only show records with this status (pending, synced, failed)")
	listCmd.Flags().StringVarP(&listOperation, "operation", "o", "", "Only show records of this operation")
	listCmd.Flags().BoolVar(&listPending, "pending", false, "Show pending records in replay order")
}

func runList(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	ctx := context.Background()
	var (
		reqs []models.OfflineRequest
		err  error
	)
	if listPending {
		reqs, err = c.Queue.ListPending(ctx)
	} else {
		reqs, err = c.Queue.ListAll(ctx, repository.Filter{Status: listStatus, Operation: listOperation})
	}
	if err != nil {
		exitError("failed to list offline requests: %v", err)
	}

	if len(reqs) == 0 {
		fmt.Println("No offline requests")
		return
	}
	printRecords(os.Stdout, reqs)
}

// printRecords writes one row per record
func printRecords(w io.Writer, reqs []models.OfflineRequest) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOPERATION\tMETHOD\tPATH\tCREATED\tERROR")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			statusColor(r.Status).Sprint(r.Status),
			r.Operation,
			r.Method,
			r.APIPath,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			truncate(r.Error, 60),
		)
	}
	tw.Flush()
}

func statusColor(status string) *color.Color {
	switch status {
	case models.StatusSynced:
		return color.New(color.FgGreen)
	case models.StatusFailed:
		return color.New(color.FgRed)
	case models.StatusInFlight:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
