// Command agent runs the MTConnect agent: it loads the configured device
// schemas, connects to the machine adapters, and serves the MTConnect HTTP
// surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	mtconnect "github.com/micheletedeschi/mtconnect-agent"
	"github.com/micheletedeschi/mtconnect-agent/internal/debug"
)

var (
	configPath string
	verbose    bool
	quiet      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "MTConnect agent: SHDR in, MTConnect XML out",
		Long: `agent ingests SHDR telemetry from machine adapters, keeps the current
state and a bounded history of every observation, and answers MTConnect
/probe, /current, /sample and /assets queries over HTTP.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug.SetVerbose(verbose)
			debug.SetQuiet(quiet)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "agent.yaml", "path to the agent config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newInitConfigCmd())
	rootCmd.AddCommand(newProbeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mtconnect-agent %s\n", mtconnect.Version)
		},
	}
}
