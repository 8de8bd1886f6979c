package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"balagruha-offline-sync/internal/metrics"
	offsync "balagruha-offline-sync/internal/services/sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending requests now",
	Long: `Run one replay pass against the central server. Pending records are sent
in the order they were queued. Ctrl-C stops the pass after the current record.`,
	Args: cobra.NoArgs,
	Run:  runSync,
}

var syncRecords bool

func init() {
	syncCmd.Flags().BoolVar(&syncRecords, "records", false, "Print the outcome of every record")
}

func runSync(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := initFullContext(ctx)
	defer c.Close()

	summary, err := c.Engine.ReplayPending(ctx)
	if errors.Is(err, offsync.ErrReplayRunning) {
		exitError("another replay pass is running")
	}
	if err != nil {
		exitError("replay failed: %v", err)
	}
	printSummary(os.Stdout, summary, syncRecords)
}

// printSummary writes the result of a pass
func printSummary(w io.Writer, s *offsync.Summary, records bool) {
	if s.Total == 0 {
		fmt.Fprintln(w, s.Message)
		return
	}

	if records {
		for _, r := range s.Records {
			fmt.Fprintf(w, "%6d  %s  %s", r.ID, outcomeColor(r.Outcome).Sprintf("%-8s", r.Outcome), r.Operation)
			if r.Path != "" {
				fmt.Fprintf(w, "  %s", r.Path)
			}
			if r.Error != "" {
				fmt.Fprintf(w, "  (%s)", r.Error)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	color.New(color.FgGreen).Fprintf(w, "%d synced", s.Synced)
	fmt.Fprint(w, ", ")
	color.New(color.FgRed).Fprintf(w, "%d failed", s.Failed)
	fmt.Fprintf(w, ", %d skipped, %d unknown, %d still pending\n", s.Skipped, s.Unknown, s.Pending)
	if s.Cancelled {
		color.New(color.FgYellow).Fprintln(w, "pass cancelled")
	}
}

func outcomeColor(outcome string) *color.Color {
	switch outcome {
	case metrics.OutcomeSynced:
		return color.New(color.FgGreen)
	case metrics.OutcomeFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}
