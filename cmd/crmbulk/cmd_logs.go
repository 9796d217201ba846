package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/crmbulk/pkg/client"
)

var (
	logsFrom  string
	logsTo    string
	logsLevel string
	logsPage  int
	logsLimit int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Browse persisted server log lines, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := client.LogQuery{Level: logsLevel, Page: logsPage, Limit: logsLimit}
		var err error
		if q.From, err = parseBound(logsFrom); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
		if q.To, err = parseBound(logsTo); err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		page, err := newClient().ListLogs(context.Background(), q)
		exitOnError(err)
		if outputJSON {
			printJSON(page)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tLEVEL\tMESSAGE\tATTRS")
		for _, l := range page.Logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.CreatedAt.Format(time.RFC3339Nano), l.Level, l.Message, string(l.Attrs))
		}
		w.Flush()
		fmt.Printf("page %d/%d, %d total\n", page.Page, page.TotalPages, page.Total)
		return nil
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every persisted log line",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newClient().ClearLogs(context.Background())
		exitOnError(err)
		fmt.Printf("Logs deleted successfully (%d lines)\n", n)
		return nil
	},
}

// parseBound accepts an RFC 3339 timestamp or a look-back such as 1h.
func parseBound(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func init() {
	logsCmd.Flags().StringVar(&logsFrom, "from", "", "Oldest line (RFC 3339, or a look-back such as 1h)")
	logsCmd.Flags().StringVar(&logsTo, "to", "", "Newest line (RFC 3339, or a look-back such as 5m)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Only lines at this level (debug, info, warn, error)")
	logsCmd.Flags().IntVar(&logsPage, "page", 1, "Page number")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "Lines per page (max 100)")

	addClientFlags(logsCmd, logsClearCmd)
	logsCmd.AddCommand(logsClearCmd)
	rootCmd.AddCommand(logsCmd)
}
