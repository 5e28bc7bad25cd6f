package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath    string
	statePath     string
	verbose       bool
	jsonOutput    bool
	traceExporter string
	metricsAddr   string
	version       string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "deckhand",
		Short: "Deckhand - provision and deploy a containerized web app",
		Long: `Deckhand runs the provision-then-deploy pipeline of a containerized web
application with a database.

  - A gate decides from a live resource group check whether to plan and apply
  - Infrastructure is created with the Terraform (or OpenTofu) CLI
  - Terraform outputs travel to the deploy workflow as a named artifact
  - The app image is built, pushed and pointed to by the web app
  - Workflows chain through workflow_run events
  - OPA policies lint the composition and the workflows`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", ".", "project directory or deckhand.cue path")
	flags.StringVar(&opts.statePath, "state", "", "state database path (overrides state.path)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&opts.traceExporter, "trace", "", "trace exporter: none, stdout or otlp (default: from OTEL_EXPORTER_OTLP_ENDPOINT)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	rootCmd.AddCommand(newInitCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newLintCommand(opts))
	rootCmd.AddCommand(newProvisionCommand(opts))
	rootCmd.AddCommand(newDeployCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newPipelineCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newDevCommand(opts))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
