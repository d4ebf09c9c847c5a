package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	mtconnect "github.com/micheletedeschi/mtconnect-agent"
	"github.com/micheletedeschi/mtconnect-agent/internal/config"
	"github.com/micheletedeschi/mtconnect-agent/internal/debug"
)

func newServeCmd() *cobra.Command {
	var port int
	var bufferSize int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("buffer-size") {
				cfg.BufferSize = bufferSize
			}

			a, err := mtconnect.NewAgent(cfg)
			if err != nil {
				return err
			}

			debug.PrintNormal("%s mtconnect-agent %s on port %d\n",
				color.GreenString("starting"), mtconnect.Version, cfg.Port)

			ctx, cancel := signalContext()
			defer cancel()
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("agent exited: %w", err)
			}
			debug.PrintNormal("agent stopped\n")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "HTTP listen port (overrides config)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", config.DefaultBufferSize, "observation ring capacity (overrides config)")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a starter agent.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "agent.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}
