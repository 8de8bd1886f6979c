package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"balagruha-offline-sync/internal/core/models"
	"balagruha-offline-sync/internal/core/payload"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a queued request",
	Long:  `Show all fields of an offline request including its payload and attachments. The token is never printed.`,
	Args:  cobra.ExactArgs(1),
	Run:   runShow,
}

func runShow(cmd *cobra.Command, args []string) {
	ids, err := parseIDs(args)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	req, err := c.Queue.GetByID(context.Background(), ids[0])
	if err != nil {
		exitError("%v", err)
	}
	printRecord(os.Stdout, req)
}

// printRecord writes the details of a record
func printRecord(w io.Writer, r *models.OfflineRequest) {
	yellow := color.New(color.FgYellow)

	yellow.Fprintf(w, "request %d", r.ID)
	fmt.Fprintf(w, " (%s)\n", statusColor(r.Status).Sprint(r.Status))
	fmt.Fprintf(w, "Operation:   %s\n", r.Operation)
	fmt.Fprintf(w, "Request:     %s %s\n", r.Method, r.APIPath)
	if gid := r.GeneratedIDValue(); gid != "" {
		fmt.Fprintf(w, "GeneratedID: %s\n", gid)
	}
	fmt.Fprintf(w, "Created:     %s\n", r.CreatedAt.Format("Mon Jan 2 15:04:05 2006"))
	fmt.Fprintf(w, "Updated:     %s\n", r.UpdatedAt.Format("Mon Jan 2 15:04:05 2006"))
	if r.SkipCount > 0 {
		fmt.Fprintf(w, "Skipped:     %d passes\n", r.SkipCount)
	}
	if r.Error != "" {
		color.New(color.FgRed).Fprintf(w, "Error:       %s\n", r.Error)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(r.Payload), "    ", "  "); err != nil {
		pretty.Reset()
		pretty.WriteString(r.Payload)
	}
	fmt.Fprintf(w, "\n    %s\n", pretty.String())

	atts, err := payload.DecodeAttachments(r.AttachmentString)
	if err != nil || len(atts) == 0 {
		return
	}
	fmt.Fprintf(w, "\nAttachments (%d):\n", len(atts))
	for _, a := range atts {
		fmt.Fprintf(w, "    %s: %s (%s, %s)\n", a.FieldName, a.Path, a.OriginalName, a.MimeType)
	}
}
