package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	swarm "github.com/langswarm/langswarm-go"
)

var rootCmd = &cobra.Command{
	Use:   "langswarm",
	Short: "LangSwarm - multi-agent orchestration CLI",
	Long: `LangSwarm runs agents, tools and workflows through a middleware pipeline and
drives task briefs through the plan, execute, observe and patch loop.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		swarm.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

var (
	configPath   string
	verbose      bool
	otlpEndpoint string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "langswarm.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for traces (overrides config)")

	rootCmd.AddCommand(runCmd, workflowCmd, validateCmd, planCmd, memoryCmd)
}

func main() {
	ctx, stop := signalContext(context.Background())
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
