package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/crmbulk/pkg/client"
)

var (
	serverURL     string
	outputJSON    bool
	clientTimeout time.Duration
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", envString("CRMBULK_SERVER", "http://localhost:8080"), "crmbulk server URL (or set CRMBULK_SERVER)")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
		cmd.Flags().DurationVar(&clientTimeout, "timeout", 30*time.Second, "Request timeout")
	}
}

func newClient() *client.Client {
	c := client.New(serverURL)
	c.HTTPClient.Timeout = clientTimeout
	return c
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(os.Stdout, string(b))
}

// exitOnError prints err the way an operator wants to read it and exits.
func exitOnError(err error) {
	if err == nil {
		return
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Message)
		for _, p := range apiErr.Problems {
			fmt.Fprintf(os.Stderr, "  - %s\n", p)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
