package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newProbeCmd fetches /probe from a running agent and prints the XML. A
// convenience for checking what a deployed agent is serving.
func newProbeCmd() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Fetch and print the device schema from a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://%s/probe", host))
			if err != nil {
				return fmt.Errorf("fetching probe: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading probe response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("agent returned %s: %s", resp.Status, body)
			}
			fmt.Print(string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1:7000", "agent host:port")
	return cmd
}
