package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/crmbulk/pkg/client"
)

var (
	submitAccount      string
	submitEntityType   string
	submitFile         string
	submitScheduledFor string
	submitWatch        bool
	listPage           int
	listLimit          int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a bulk action",
	Long: `Submit a bulk action. The entities come from --file (or stdin with --file -)
as a JSON array of flat objects: [{"_id": "...", "version": 0, "name": "..."}].`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		entities, err := readEntities(submitFile)
		if err != nil {
			return err
		}
		req := client.SubmitRequest{
			AccountID:        submitAccount,
			EntityType:       submitEntityType,
			EntitiesToUpdate: entities,
		}
		if submitScheduledFor != "" {
			at, err := parseWhen(submitScheduledFor, time.Now())
			if err != nil {
				return err
			}
			req.ScheduledFor = &at
		}

		c := newClient()
		action, err := c.Submit(context.Background(), req)
		exitOnError(err)
		if outputJSON {
			printJSON(action)
		} else {
			fmt.Printf("Bulk action %s queued (%d entities, sequence %d, scheduled %s)\n",
				action.ID, len(action.EntitiesToUpdate), action.SequenceNumber, formatTime(action.ScheduledFor))
		}
		if submitWatch {
			return watch(c, action.ID)
		}
		return nil
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List bulk actions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, err := newClient().ListBulkActions(context.Background(), listPage, listLimit)
		exitOnError(err)
		if outputJSON {
			printJSON(page)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACCOUNT\tTYPE\tSTATUS\tSUCCESS\tFAILED\tSKIPPED\tSCHEDULED\tCREATED")
		for _, a := range page.Actions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
				a.ID, a.AccountID, a.EntityType, a.Status,
				a.SuccessCount, a.FailureCount, a.SkippedCount,
				formatTime(a.ScheduledFor), formatTime(&a.CreatedAt))
		}
		w.Flush()
		fmt.Printf("page %d/%d, %d total\n", page.Page, page.TotalPages, page.Total)
		return nil
	},
}

var actionCmd = &cobra.Command{
	Use:   "action <id>",
	Short: "Show one bulk action with its entity errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newClient().GetBulkAction(context.Background(), args[0])
		exitOnError(err)
		if outputJSON {
			printJSON(a)
			return nil
		}
		fmt.Printf("ID:        %s\n", a.ID)
		fmt.Printf("Account:   %s\n", a.AccountID)
		fmt.Printf("Type:      %s\n", a.EntityType)
		fmt.Printf("Status:    %s\n", a.Status)
		fmt.Printf("Entities:  %d\n", len(a.EntitiesToUpdate))
		fmt.Printf("Success:   %d\n", a.SuccessCount)
		fmt.Printf("Failed:    %d\n", a.FailureCount)
		fmt.Printf("Skipped:   %d\n", a.SkippedCount)
		fmt.Printf("Scheduled: %s\n", formatTime(a.ScheduledFor))
		fmt.Printf("Created:   %s\n", formatTime(&a.CreatedAt))
		if len(a.ActionErrors) > 0 {
			fmt.Println("Errors:")
			for _, e := range a.ActionErrors {
				fmt.Printf("  %s: %s\n", e.EntityID, e.Message)
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Show the counters of a bulk action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().Stats(context.Background(), args[0])
		exitOnError(err)
		if outputJSON {
			printJSON(st)
			return nil
		}
		fmt.Printf("success=%d failure=%d skipped=%d errors=%d\n",
			st.SuccessCount, st.FailureCount, st.SkippedCount, len(st.Errors))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow the progress of a bulk action until it completes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(newClient(), args[0])
	},
}

func watch(c *client.Client, id string) error {
	err := c.WatchProgress(context.Background(), id, func(ev client.ProgressEvent) error {
		if outputJSON {
			printJSON(ev)
			return nil
		}
		fmt.Printf("%-10s %d/%d  success=%d failure=%d skipped=%d\n",
			ev.Status, ev.Processed, ev.Total, ev.SuccessCount, ev.FailureCount, ev.SkippedCount)
		return nil
	})
	exitOnError(err)
	return nil
}

func readEntities(path string) ([]map[string]any, error) {
	if path == "" {
		return nil, fmt.Errorf("--file is required")
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var entities []map[string]any
	if err := dec.Decode(&entities); err != nil {
		return nil, fmt.Errorf("read entities from %s: %w", path, err)
	}
	return entities, nil
}

// parseWhen accepts an RFC 3339 timestamp or a delay such as 10m.
func parseWhen(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--scheduled-for must be an RFC 3339 timestamp or a duration: %w", err)
	}
	return t.UTC(), nil
}

func init() {
	submitCmd.Flags().StringVar(&submitAccount, "account", "", "Account ID")
	submitCmd.Flags().StringVar(&submitEntityType, "entity-type", "Contact", "Entity type: Contact, Company, Lead, Opportunity, Task")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "JSON array of entity updates (- for stdin)")
	submitCmd.Flags().StringVar(&submitScheduledFor, "scheduled-for", "", "Run at this time (RFC 3339) or after this delay (e.g. 10m)")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "Follow progress after submitting")

	actionsCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	actionsCmd.Flags().IntVar(&listLimit, "limit", 10, "Actions per page (max 100)")

	addClientFlags(submitCmd, actionsCmd, actionCmd, statsCmd, watchCmd)
	rootCmd.AddCommand(submitCmd, actionsCmd, actionCmd, statsCmd, watchCmd)
}
